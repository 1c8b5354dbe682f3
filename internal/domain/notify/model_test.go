package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStates = []AttemptState{
	StateQueued, StateSending, StateDelivered, StateFailed, StateExpired, StatePermanentlyFailed,
}

func genState() gopter.Gen {
	return gen.OneConstOf(
		StateQueued, StateSending, StateDelivered, StateFailed, StateExpired, StatePermanentlyFailed)
}

func TestStateMachine_TerminalStatesAbsorb(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("no transition originates from a terminal state", prop.ForAll(
		func(from, to AttemptState) bool {
			if from.IsTerminal() {
				return !CanTransition(from, to)
			}
			return true
		},
		genState(), genState(),
	))

	properties.Property("random walks never leave a terminal state", prop.ForAll(
		func(candidates []AttemptState) bool {
			a := &DeliveryAttempt{ID: uuid.New(), State: StateQueued}
			now := time.Now()
			terminalAt := -1
			for i, next := range candidates {
				if err := a.transition(next, now); err != nil {
					continue
				}
				if terminalAt >= 0 {
					// A transition succeeded after a terminal state was
					// reached at step terminalAt.
					return false
				}
				if a.State.IsTerminal() {
					terminalAt = i
				}
			}
			return true
		},
		gen.SliceOf(genState()),
	))

	properties.TestingRun(t)
}

func TestStateMachine_ForwardPaths(t *testing.T) {
	legal := [][2]AttemptState{
		{StateQueued, StateSending},
		{StateQueued, StateExpired},
		{StateSending, StateDelivered},
		{StateSending, StateFailed},
		{StateSending, StateExpired},
		{StateFailed, StateQueued},
		{StateFailed, StatePermanentlyFailed},
	}
	allowed := make(map[[2]AttemptState]bool, len(legal))
	for _, pair := range legal {
		allowed[pair] = true
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", pair[0], pair[1])
		}
	}
	for _, from := range allStates {
		for _, to := range allStates {
			if !allowed[[2]AttemptState{from, to}] && CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
}
