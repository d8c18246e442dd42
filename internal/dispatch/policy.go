package dispatch

import (
	"errors"
	"time"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

// Action is what the trial loop does with a failed attempt.
type Action int

const (
	// ActionAbort stops trying the current candidate.
	ActionAbort Action = iota
	// ActionWait retries the same payload after Delay (zero = immediately).
	ActionWait
	// ActionReplace retries immediately with the reduced Payload.
	ActionReplace
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionWait:
		return "wait"
	case ActionReplace:
		return "replace"
	}
	return "unknown"
}

type Decision struct {
	Action  Action
	Delay   time.Duration      // ActionWait only
	Payload []provider.Message // ActionReplace only
}

// ShrinkFunc produces the one-time reduced payload for ActionReplace.
type ShrinkFunc func([]provider.Message) []provider.Message

// DecideInput is the state the policy needs about the current trial.
type DecideInput struct {
	Remaining     int  // attempts left after the one that just failed
	Shrunk        bool // payload already replaced once this trial
	RetryInterval time.Duration
	Messages      []provider.Message // nil when the payload is not reducible
	Shrink        ShrinkFunc
}

// Decide maps a failed attempt to the next action. Pure: same error and
// input always yield the same decision.
//
// Client-caused statuses (400-404) and unparsable responses abort without
// burning retry budget. Capacity problems (429, 5xx) and transport failures
// wait a fixed interval while budget remains. 413 is the only condition
// that rewrites the request, and it fires at most once per trial.
func Decide(err error, in DecideInput) Decision {
	var (
		connErr   *provider.ConnectionError
		abortErr  *provider.AbortError
		statusErr *provider.StatusError
		parseErr  *provider.ParseError
	)

	switch {
	case errors.As(err, &connErr):
		return waitOrAbort(in)

	case errors.As(err, &abortErr):
		return Decision{Action: ActionAbort}

	case errors.As(err, &statusErr):
		return decideStatus(statusErr.Code, in)

	case errors.As(err, &parseErr):
		// The backend replied but inconsistently; retrying won't help.
		return Decision{Action: ActionAbort}

	default:
		return Decision{Action: ActionAbort}
	}
}

func decideStatus(code int, in DecideInput) Decision {
	switch {
	case code == 400 || code == 401 || code == 402 || code == 403 || code == 404:
		return Decision{Action: ActionAbort}

	case code == 413:
		if in.Messages != nil && in.Shrink != nil && !in.Shrunk {
			return Decision{Action: ActionReplace, Payload: in.Shrink(in.Messages)}
		}
		return Decision{Action: ActionAbort}

	case code == 429:
		return waitOrAbort(in)

	case code >= 500:
		return waitOrAbort(in)

	default:
		return Decision{Action: ActionAbort}
	}
}

func waitOrAbort(in DecideInput) Decision {
	if in.Remaining > 0 {
		return Decision{Action: ActionWait, Delay: in.RetryInterval}
	}
	return Decision{Action: ActionAbort}
}
