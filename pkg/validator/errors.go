package validator

import (
	"errors"
	"fmt"
)

var (
	ErrScoreTimeout     = errors.New("score timeout")
	ErrEpochInProgress  = errors.New("epoch already in progress")
	ErrNoSnapshot       = errors.New("no directory snapshot available")
	ErrVotingNotEnabled = errors.New("directory does not accept votes")
)

// ScoreError is attached to a module that scored 0 because scoring failed.
type ScoreError struct {
	Key  string
	Name string
	Err  error
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("score %s (%s): %v", e.Name, e.Key, e.Err)
}

func (e *ScoreError) Unwrap() error { return e.Err }

type EpochError struct {
	Epoch uint64
	Stage State
	Err   error
}

func (e *EpochError) Error() string {
	return fmt.Sprintf("epoch %d failed while %s: %v", e.Epoch, e.Stage, e.Err)
}

func (e *EpochError) Unwrap() error { return e.Err }

// VoteError means the ballot was not accepted. The next eligible vote
// retries with fresh results.
type VoteError struct {
	Err error
}

func (e *VoteError) Error() string { return "vote failed: " + e.Err.Error() }

func (e *VoteError) Unwrap() error { return e.Err }
