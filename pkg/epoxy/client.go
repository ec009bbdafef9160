package epoxy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client proposes commands through whichever replica accepts them.
type Client struct {
	tr       Transport
	replicas []ReplicaConfig
}

func NewClient(tr Transport, replicas ...ReplicaConfig) *Client {
	return &Client{tr: tr, replicas: replicas}
}

// Propose tries each replica in order until one commits cmd. When every
// replica asks to retry, Propose waits for the shortest retry-after and
// goes around once more before giving up.
func (c *Client) Propose(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := cmd.validate(); err != nil {
		return CommandResult{}, err
	}
	if len(c.replicas) == 0 {
		return CommandResult{}, fmt.Errorf("%w: client has no replicas", ErrUnknownReplica)
	}

	var errs []error
	for round := range 2 {
		wait := time.Duration(0)
		for _, r := range c.replicas {
			res, err := c.tr.Propose(ctx, r, &ProposeRequest{Command: cmd})
			if err == nil {
				return *res, nil
			}
			if ctx.Err() != nil {
				return CommandResult{}, ctx.Err()
			}
			if errors.Is(err, ErrInvalidCommand) {
				return CommandResult{}, err
			}
			errs = append(errs, err)
			if after, ok := RetryAfter(err); ok && (wait == 0 || after < wait) {
				wait = after
			}
		}
		if round > 0 || wait == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return CommandResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return CommandResult{}, errors.Join(errs...)
}
