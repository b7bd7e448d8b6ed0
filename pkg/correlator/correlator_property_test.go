package correlator

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

func TestCorrelatorProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	// Emitted ops are drawn from a small alphabet so duplicates are common.
	opsGen := gen.SliceOf(gen.IntRange(0, 4))

	properties.Property("a handle resolves at most once and only for its key", prop.ForAll(
		func(emitted []int, target int) bool {
			w := newSyncWatcher()
			key := hashOf(fmt.Sprint(target)).Hex()
			h, err := Correlate(context.Background(), w, key, ByOperation, ledger.EventUploadAuthorized)
			if err != nil {
				return false
			}
			first := -1
			for i, op := range emitted {
				w.Emit(authorized(fmt.Sprint(op)))
				if first < 0 && op == target {
					first = i
				}
			}
			ev, ok := h.Event()
			if first < 0 {
				h.Terminate()
				return !ok
			}
			return ok && ev.Operation().Hex() == key
		},
		opsGen,
		gen.IntRange(0, 4),
	))

	properties.Property("terminate before the match means never resolved", prop.ForAll(
		func(before, after []int, target int) bool {
			w := newSyncWatcher()
			key := hashOf(fmt.Sprint(target)).Hex()
			h, err := Correlate(context.Background(), w, key, ByOperation, ledger.EventUploadAuthorized)
			if err != nil {
				return false
			}
			for _, op := range before {
				if op == target {
					h.Terminate()
					return true
				}
				w.Emit(authorized(fmt.Sprint(op)))
			}
			h.Terminate()
			for _, op := range after {
				w.Emit(authorized(fmt.Sprint(op)))
			}
			_, ok := h.Event()
			return !ok
		},
		opsGen,
		opsGen,
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
