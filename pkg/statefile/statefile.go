// Package statefile persists component state as versioned JSON documents.
//
// Every file starts with a schema_version field. Loading rejects unknown
// fields and any document whose schema major version differs from the one
// the caller compiled against. Writes go to a temp file and rename, so a
// crash mid-write never leaves a torn document behind.
package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
)

// ErrNotExist is returned by Load when the state file is absent.
var ErrNotExist = errors.New("statefile: not found")

// header is decoded first to gate on schema_version before the full parse.
type header struct {
	SchemaVersion string `json:"schema_version"`
}

// Load reads the JSON document at path into v after checking its
// schema_version against want (same major accepted, anything else rejected).
// Unknown fields fail the load.
func Load(path, want string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("statefile: read %s: %w", path, err)
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("statefile: parse header of %s: %w", path, err)
	}
	if err := checkVersion(h.SchemaVersion, want); err != nil {
		return fmt.Errorf("statefile: %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("statefile: decode %s: %w", path, err)
	}
	return nil
}

// Save writes v as indented JSON to path via temp-file rename. The parent
// directory is created if missing. Callers embed schema_version in v.
func Save(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("statefile: ensure dir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statefile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statefile: commit %s: %w", path, err)
	}
	return nil
}

func checkVersion(got, want string) error {
	if got == "" {
		return errors.New("missing schema_version")
	}
	gv, err := semver.NewVersion(got)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", got, err)
	}
	wv, err := semver.NewVersion(want)
	if err != nil {
		return fmt.Errorf("invalid wanted schema_version %q: %w", want, err)
	}
	if gv.Major() != wv.Major() {
		return fmt.Errorf("schema_version %s incompatible with %s", got, want)
	}
	return nil
}
