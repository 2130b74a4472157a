package capability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// fakeTool is the minimal guard-honouring tool used across these tests.
type fakeTool struct {
	name   string
	domain envelope.Domain
	cost   float64
	calls  int
}

func (f *fakeTool) Name() string                                  { return f.name }
func (f *fakeTool) Domain() envelope.Domain                       { return f.domain }
func (f *fakeTool) EstimateCost(env *envelope.Envelope) float64   { return f.cost }
func (f *fakeTool) Execute(ctx context.Context, env *envelope.Envelope) (envelope.Result, error) {
	if err := capability.RequireSpine(ctx); err != nil {
		return envelope.Result{}, err
	}
	f.calls++
	return envelope.Result{Success: true, CostSpent: f.cost}, nil
}

func TestSpineGuard(t *testing.T) {
	tool := &fakeTool{name: "echo", domain: envelope.DomainCognition}
	env := &envelope.Envelope{ToolName: "echo", Domain: envelope.DomainCognition, Action: "say"}

	_, err := tool.Execute(context.Background(), env)
	assert.ErrorIs(t, err, capability.ErrOutsideSpine)
	assert.Zero(t, tool.calls)

	res, err := tool.Execute(capability.WithSpine(context.Background()), env)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, tool.calls)
}

func TestRegistryLookup(t *testing.T) {
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo", domain: envelope.DomainCognition}))

	got, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name())

	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, capability.ErrNotRegistered)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := capability.NewRegistry()
	assert.Error(t, r.Register(&fakeTool{name: "", domain: envelope.DomainCognition}))
	assert.Error(t, r.Register(&fakeTool{name: "x", domain: envelope.Domain("warp")}))
}

func TestSchemaValidation(t *testing.T) {
	r := capability.NewRegistry()
	schema := `{
		"type": "object",
		"properties": {"query": {"type": "string", "minLength": 1}},
		"required": ["query"]
	}`
	require.NoError(t, r.RegisterWithSchema(&fakeTool{name: "search", domain: envelope.DomainMemory}, schema))

	ok := &envelope.Envelope{
		ToolName: "search",
		Domain:   envelope.DomainMemory,
		Action:   "find",
		Context:  map[string]interface{}{"query": "recent failures"},
	}
	assert.NoError(t, r.ValidateContext(ok))

	missing := &envelope.Envelope{ToolName: "search", Domain: envelope.DomainMemory, Action: "find"}
	assert.Error(t, r.ValidateContext(missing))
}

func TestSchemaCompileFailureRejectsRegistration(t *testing.T) {
	r := capability.NewRegistry()
	err := r.RegisterWithSchema(&fakeTool{name: "bad", domain: envelope.DomainMemory}, `{"type": 42}`)
	assert.Error(t, err)
}

func TestToolWithoutSchemaAcceptsAnything(t *testing.T) {
	r := capability.NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo", domain: envelope.DomainCognition}))

	env := &envelope.Envelope{
		ToolName: "echo",
		Domain:   envelope.DomainCognition,
		Action:   "say",
		Context:  map[string]interface{}{"anything": []interface{}{1, 2, 3}},
	}
	assert.NoError(t, r.ValidateContext(env))
}
