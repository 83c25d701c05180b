package progress

import (
	"fmt"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// ChainError describes the first place a transition chain breaks.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("progress: chain broken at transition %d: %s", e.Index, e.Reason)
}

// Replay walks history from the opening transition and returns the state it
// ends in. It fails when the chain does not start at enquiry, is not
// contiguous (to_state[i] != from_state[i+1]) or sequence numbers do not
// increase.
func Replay(history []models.Transition) (stage.Stage, error) {
	if len(history) == 0 {
		return "", &ChainError{Index: 0, Reason: "empty history"}
	}
	first := history[0]
	if first.FromState != nil {
		return "", &ChainError{Index: 0, Reason: fmt.Sprintf("opening transition has from_state %q", first.From())}
	}
	if first.ToState != string(stage.Enquiry) {
		return "", &ChainError{Index: 0, Reason: fmt.Sprintf("opening transition enters %q, want enquiry", first.ToState)}
	}

	state := first.ToState
	for i := 1; i < len(history); i++ {
		t := history[i]
		if t.FromState == nil {
			return "", &ChainError{Index: i, Reason: "missing from_state"}
		}
		if *t.FromState != state {
			return "", &ChainError{Index: i, Reason: fmt.Sprintf("from_state %q does not follow %q", *t.FromState, state)}
		}
		if t.Seq <= history[i-1].Seq {
			return "", &ChainError{Index: i, Reason: fmt.Sprintf("seq %d not after %d", t.Seq, history[i-1].Seq)}
		}
		state = t.ToState
	}
	return stage.Stage(state), nil
}

// TotalDuration sums DurationInState over history, in milliseconds.
func TotalDuration(history []models.Transition) int64 {
	var total int64
	for _, t := range history {
		total += t.DurationInState
	}
	return total
}
