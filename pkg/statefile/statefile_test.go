package statefile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ippoc-labs/ippoc/pkg/statefile"
)

type doc struct {
	SchemaVersion string  `json:"schema_version"`
	Budget        float64 `json:"budget"`
	Name          string  `json:"name"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	in := doc{SchemaVersion: "1.0.0", Budget: 12.5, Name: "core"}
	require.NoError(t, statefile.Save(path, in))

	var out doc
	require.NoError(t, statefile.Load(path, "1.0.0", &out))
	assert.Equal(t, in, out)
}

func TestLoadMissingFile(t *testing.T) {
	err := statefile.Load(filepath.Join(t.TempDir(), "absent.json"), "1.0.0", &doc{})
	assert.ErrorIs(t, err, statefile.ErrNotExist)
}

func TestLoadRejectsMajorMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, statefile.Save(path, doc{SchemaVersion: "2.0.0"}))

	err := statefile.Load(path, "1.0.0", &doc{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible")
}

func TestLoadAcceptsMinorDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, statefile.Save(path, doc{SchemaVersion: "1.3.0", Budget: 1}))

	var out doc
	assert.NoError(t, statefile.Load(path, "1.0.0", &out))
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	raw := []byte(`{"schema_version":"1.0.0","budget":1,"name":"x","extra":true}`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	err := statefile.Load(path, "1.0.0", &doc{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"budget":1}`), 0o644))

	err := statefile.Load(path, "1.0.0", &doc{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	require.NoError(t, statefile.Save(path, doc{SchemaVersion: "1.0.0"}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}
