package orchestrator

import (
	"fmt"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/capability"
	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// DefaultDeadline bounds a single tool attempt when the envelope does not
// carry deadline_ms.
const DefaultDeadline = 30 * time.Second

// Policy is the static authorization configuration the gate evaluates on
// every invocation. The zero value permits everything up to high risk.
type Policy struct {
	// KillSwitch refuses every invocation while set.
	KillSwitch bool

	// Allow and deny lists. An empty allowlist admits everything not
	// denied; the denylist wins over the allowlist.
	ToolAllowlist   []string
	ToolDenylist    []string
	DomainAllowlist []string
	DomainDenylist  []string

	// MaxRisk rejects envelopes whose risk level exceeds it.
	MaxRisk envelope.RiskLevel

	// ToolBudgets and TenantBudgets cap the estimated cost of a single
	// invocation per tool name and per tenant. Absent keys mean no cap.
	ToolBudgets   map[string]float64
	TenantBudgets map[string]float64

	// DefaultDeadline bounds each tool attempt when the envelope carries
	// no deadline_ms.
	DefaultDeadline time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRisk == "" {
		p.MaxRisk = envelope.RiskHigh
	}
	if p.DefaultDeadline <= 0 {
		p.DefaultDeadline = DefaultDeadline
	}
	return p
}

// Authorize evaluates the security rules in their fixed order: kill
// switch, tool lists, domain lists, risk ceiling, validation rules. It
// returns a refusal Result for the first rule that fails, plus any
// non-fatal warnings to attach to a successful invocation.
func (p Policy) Authorize(env *envelope.Envelope) ([]string, *envelope.Result) {
	if p.KillSwitch {
		return nil, refusalPtr(envelope.ErrCodeSecurity, "kill switch is engaged")
	}

	if inList(p.ToolDenylist, env.ToolName) {
		return nil, refusalPtr(envelope.ErrCodeSecurity, fmt.Sprintf("tool %q is denied by policy", env.ToolName))
	}
	if len(p.ToolAllowlist) > 0 && !inList(p.ToolAllowlist, env.ToolName) {
		return nil, refusalPtr(envelope.ErrCodeSecurity, fmt.Sprintf("tool %q is not in the allowlist", env.ToolName))
	}

	if inList(p.DomainDenylist, string(env.Domain)) {
		return nil, refusalPtr(envelope.ErrCodeSecurity, fmt.Sprintf("domain %q is denied by policy", env.Domain))
	}
	if len(p.DomainAllowlist) > 0 && !inList(p.DomainAllowlist, string(env.Domain)) {
		return nil, refusalPtr(envelope.ErrCodeSecurity, fmt.Sprintf("domain %q is not in the allowlist", env.Domain))
	}

	if env.RiskLevel.Exceeds(p.MaxRisk) {
		return nil, refusalPtr(envelope.ErrCodeSecurity,
			fmt.Sprintf("risk level %q exceeds policy maximum %q", env.RiskLevel, p.MaxRisk))
	}

	var warnings []string
	if env.RiskLevel == envelope.RiskHigh && !env.RequiresValidation {
		warnings = append(warnings, "high risk invocation without requires_validation")
	}

	if env.Domain == envelope.DomainEvolution {
		environment, _ := env.ContextString("environment")
		if environment == "stable" && !env.RequiresValidation {
			return warnings, refusalPtr(envelope.ErrCodeSecurity,
				"evolution in a stable environment requires validation")
		}
	}

	return warnings, nil
}

// gateFigure is the estimated cost the budget gate reasons about: the
// larger of the caller's estimate and the tool's own.
func gateFigure(env *envelope.Envelope, tool capability.Tool) float64 {
	figure := env.EstimatedCost
	if t := tool.EstimateCost(env); t > figure {
		figure = t
	}
	return figure
}

// CheckCeilings enforces the optional per-tool and per-tenant cost caps.
func (p Policy) CheckCeilings(env *envelope.Envelope, figure float64) *envelope.Result {
	if cap, ok := p.ToolBudgets[env.ToolName]; ok && figure > cap {
		return refusalPtr(envelope.ErrCodeBudget,
			fmt.Sprintf("estimated cost %.2f exceeds ceiling %.2f for tool %q", figure, cap, env.ToolName))
	}
	if env.Tenant != "" {
		if cap, ok := p.TenantBudgets[env.Tenant]; ok && figure > cap {
			return refusalPtr(envelope.ErrCodeBudget,
				fmt.Sprintf("estimated cost %.2f exceeds ceiling %.2f for tenant %q", figure, cap, env.Tenant))
		}
	}
	return nil
}

func inList(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func refusalPtr(code envelope.ErrorCode, message string) *envelope.Result {
	r := envelope.Refusal(code, message)
	return &r
}
