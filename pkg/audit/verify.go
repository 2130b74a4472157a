package audit

import (
	"encoding/json"
	"fmt"
	"io"
)

// Report summarizes a chain walk.
type Report struct {
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks one log segment and checks every entry's hash and linkage.
// The first entry may link to GenesisHash or to the head of an earlier
// archived segment; linkage inside the reader must be unbroken. key is the
// MAC key for keyed chains, nil for plain ones.
func Verify(r io.Reader, key []byte) (Report, error) {
	rep := Report{Valid: true}

	dec := json.NewDecoder(r)
	prev := ""
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return Report{}, fmt.Errorf("audit: decode entry %d: %w", rep.Entries+1, err)
		}
		rep.Entries++

		if prev != "" && e.PreviousHash != prev {
			return broken(rep, e.Sequence, "previous_hash does not match prior entry"), nil
		}

		want, err := hashEntry(&e, key)
		if err != nil {
			return Report{}, err
		}
		if want != e.EntryHash {
			return broken(rep, e.Sequence, "entry_hash does not match contents"), nil
		}
		prev = e.EntryHash
	}
	return rep, nil
}

func broken(rep Report, seq uint64, reason string) Report {
	rep.Valid = false
	rep.BrokenAt = seq
	rep.Reason = reason
	return rep
}
