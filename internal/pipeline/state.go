package pipeline

import (
	"time"

	"github.com/rs/zerolog"
)

// State is a step of the request state machine.
//
//	Received -> Admitted | Denied
//	Admitted -> Validated | Rejected
//	Validated -> Decoded | DecodeFailed
//	Decoded -> Resampled -> Sharpened -> Encoded -> Sent
//
// Failed covers timeouts and internal errors after validation.
type State int

const (
	Received State = iota
	Admitted
	Denied
	Validated
	Rejected
	Decoded
	DecodeFailed
	Resampled
	Sharpened
	Encoded
	Sent
	Failed
)

var stateNames = [...]string{
	Received:     "received",
	Admitted:     "admitted",
	Denied:       "denied",
	Validated:    "validated",
	Rejected:     "rejected",
	Decoded:      "decoded",
	DecodeFailed: "decode_failed",
	Resampled:    "resampled",
	Sharpened:    "sharpened",
	Encoded:      "encoded",
	Sent:         "sent",
	Failed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case Denied, Rejected, DecodeFailed, Sent, Failed:
		return true
	}
	return false
}

// Observer is notified of every transition with the time spent in the
// previous state.
type Observer interface {
	ObserveTransition(from, to State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(State, State, time.Duration) {}

// tracker follows one request through the state machine.
type tracker struct {
	state State
	since time.Time
	log   *zerolog.Logger
	obs   Observer
}

func newTracker(log *zerolog.Logger, obs Observer, from State) *tracker {
	return &tracker{state: from, since: time.Now(), log: log, obs: obs}
}

func (t *tracker) enter(to State) {
	now := time.Now()
	elapsed := now.Sub(t.since)
	t.log.Debug().
		Stringer("from", t.state).
		Stringer("to", to).
		Dur("elapsed", elapsed).
		Msg("pipeline transition")
	t.obs.ObserveTransition(t.state, to, elapsed)
	t.state = to
	t.since = now
}
