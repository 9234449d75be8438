package validator

import "errors"

type State string

const (
	Idle         State = "IDLE"
	Syncing      State = "SYNCING"
	ScoringBatch State = "SCORING_BATCH"
	Voting       State = "VOTING"
)

var ErrInvalidTransition = errors.New("invalid validator transition")

// CanTransition reports whether the epoch cycle allows from -> to. Every
// state may fall back to Idle.
func CanTransition(from, to State) bool {
	if to == Idle {
		return from != Idle
	}
	switch from {
	case Idle:
		return to == Syncing
	case Syncing:
		return to == ScoringBatch
	case ScoringBatch:
		return to == Voting
	default:
		return false
	}
}

func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}
