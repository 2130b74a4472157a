//go:build property
// +build property

package economy_test

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ippoc-labs/ippoc/pkg/economy"
)

// TestEventsRingNeverExceedsCap verifies the events ring stays bounded for
// any interleaving of spends and value credits.
func TestEventsRingNeverExceedsCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("events ring stays within cap", prop.ForAll(
		func(spends, values, cap int) bool {
			e, err := economy.New(filepath.Join(t.TempDir(), "economy.json"), nil)
			if err != nil {
				return false
			}
			e.WithEventCap(cap)

			for i := 0; i < spends; i++ {
				if err := e.Spend(0.01, "a", i%2 == 0); err != nil {
					return false
				}
			}
			for i := 0; i < values; i++ {
				if err := e.RecordValue(0.01, 1, "system", "a"); err != nil {
					return false
				}
			}

			return len(e.Snapshot().Events) <= cap
		},
		gen.IntRange(0, 60),
		gen.IntRange(0, 60),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestVitalityStaysInUnitInterval verifies pain never leaves [0,1] for any
// reachable budget.
func TestVitalityStaysInUnitInterval(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("vitality in [0,1]", prop.ForAll(
		func(budget float64) bool {
			e, err := economy.New(filepath.Join(t.TempDir(), "economy.json"), nil)
			if err != nil {
				return false
			}
			if err := e.SetBudget(budget); err != nil {
				return false
			}
			pain := e.CheckVitality()
			return pain >= 0 && pain <= 1
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
