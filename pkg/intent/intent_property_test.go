//go:build property
// +build property

// Package intent_test contains property-based tests for intent decay.
package intent_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ippoc-labs/ippoc/pkg/intent"
)

// TestDecayTerminates verifies every intent left alone is pruned in a
// bounded number of ticks.
// Property: priority strictly decreases each tick until it falls below the
// prune floor.
func TestDecayTerminates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Unattended intents decay to pruning in finite ticks", prop.ForAll(
		func(priority float64, rateScale int) bool {
			in := intent.New("decay subject", intent.TypeExplore, priority, "self")
			in.DecayRate = intent.DefaultDecayRate * float64(1+rateScale%10)

			now := in.CreatedAt
			prev := in.Priority
			// The slowest case (priority 1.0, default rate) needs 200
			// one-minute ticks; anything past 250 is a liveness bug.
			for tick := 0; tick < 250; tick++ {
				now = now.Add(time.Minute)
				in.Decay(now)
				if in.Expired() {
					return true
				}
				if in.Priority >= prev {
					return false // must strictly decrease until pruned
				}
				prev = in.Priority
			}
			return false
		},
		gen.Float64Range(0.01, 1.0),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestDecayMonotoneUnderClockNoise verifies priority never rises no matter
// how the observation clock moves.
func TestDecayMonotoneUnderClockNoise(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Priority never increases across arbitrary clock jumps", prop.ForAll(
		func(priority float64, offsets []int) bool {
			in := intent.New("clock subject", intent.TypeServe, priority, "user")

			prev := in.Priority
			for _, off := range offsets {
				// Offsets may be negative: a rewound clock.
				at := in.CreatedAt.Add(time.Duration(off%600) * time.Minute)
				in.Decay(at)
				if in.Priority > prev {
					return false
				}
				prev = in.Priority
			}
			return true
		},
		gen.Float64Range(0.01, 1.0),
		gen.SliceOf(gen.IntRange(-600, 600)),
	))

	properties.TestingRun(t)
}
