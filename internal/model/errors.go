package model

import (
	"context"
	"errors"
)

var (
	// input
	ErrInvalidInput    = errors.New("invalid input")
	ErrItemNotInVoting = errors.New("item is not part of this voting")

	// conflict
	ErrDuplicateItemPair = errors.New("a voting for this item pair already exists")
	ErrDuplicatePair     = errors.New("item pair already reserved")
	ErrDuplicateVoter    = errors.New("user already voted in this voting")
	ErrVotingFinished    = errors.New("voting is finished")
	ErrIDCollision       = errors.New("voting id collision")

	// not found
	ErrVotingNotFound = errors.New("voting not found")
	ErrNotFound       = errors.New("not found")

	// infrastructure, safe to retry
	ErrUnavailable = errors.New("durable write failed")
	ErrTimeout     = errors.New("timed out waiting for durable confirmation")
	ErrAborted     = errors.New("aborted after an earlier write failed")

	// fatal for the affected stream only
	ErrCorruptStream  = errors.New("corrupt event stream")
	ErrRecoveryFailed = errors.New("recovery failed")
)

type Kind string

const (
	KindInput          Kind = "input"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindInfrastructure Kind = "infrastructure"
	KindFatal          Kind = "fatal"
)

// KindOf classifies an error into the taxonomy used by callers to decide
// whether to retry. Unknown errors are treated as infrastructure.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrItemNotInVoting):
		return KindInput
	case errors.Is(err, ErrDuplicateItemPair), errors.Is(err, ErrDuplicatePair),
		errors.Is(err, ErrDuplicateVoter), errors.Is(err, ErrVotingFinished),
		errors.Is(err, ErrIDCollision):
		return KindConflict
	case errors.Is(err, ErrVotingNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCorruptStream), errors.Is(err, ErrRecoveryFailed):
		return KindFatal
	default:
		return KindInfrastructure
	}
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindInfrastructure
}
