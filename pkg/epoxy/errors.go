package epoxy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBallotRejected is returned when a peer already promised a higher
	// ballot for the instance.
	ErrBallotRejected = errors.New("epoxy: ballot rejected")
	// ErrQuorumLost is returned when too few replicas answered. Callers
	// should retry after the delay carried by *RetryError.
	ErrQuorumLost = errors.New("epoxy: quorum lost")
	// ErrStaleEpoch is returned for messages carrying an older cluster
	// epoch than the receiver's.
	ErrStaleEpoch = errors.New("epoxy: stale epoch")
	// ErrNoConfig is returned before the replica received a cluster
	// config.
	ErrNoConfig = errors.New("epoxy: no cluster config")
	// ErrNotActive is returned by replicas that may not lead proposals.
	ErrNotActive = errors.New("epoxy: replica is not active")
	// ErrClusterTooSmall is returned while fewer than MinActiveReplicas
	// replicas are active.
	ErrClusterTooSmall = errors.New("epoxy: too few active replicas")
	ErrInvalidCommand  = errors.New("epoxy: invalid command")
	ErrUnknownReplica  = errors.New("epoxy: unknown replica")
	// ErrInvalidTransition is returned for replica status changes outside
	// joining -> learning -> active.
	ErrInvalidTransition = errors.New("epoxy: invalid replica status transition")
	ErrCorruptLog        = errors.New("epoxy: corrupt log")
)

// BallotRejectedError carries the highest ballot the peer has seen.
type BallotRejectedError struct {
	Highest Ballot
}

func (e *BallotRejectedError) Error() string {
	return fmt.Sprintf("%v: highest ballot %s", ErrBallotRejected, e.Highest)
}

func (e *BallotRejectedError) Unwrap() error { return ErrBallotRejected }

// RetryError marks a failure the caller should retry after a delay.
type RetryError struct {
	Err   error
	After time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter reports the delay of a retryable error.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}
