// Package channel describes the outbound messaging provider as seen by the
// delivery core, together with the failure classes the core reacts to.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a target that can never be reached again: the bot was
// blocked or kicked, the chat is gone, or it lacks the rights to post.
var ErrUnavailable = errors.New("target unavailable")

// Message is a ready-to-send body in the provider's markup.
type Message struct {
	Text           string
	DisablePreview bool
}

type Sender interface {
	// Send posts msg to target and returns the provider message id.
	Send(ctx context.Context, target int64, msg Message) (int, error)
	Edit(ctx context.Context, target int64, messageID int, msg Message) error
}

// MigratedError reports that the provider renumbered the target.
type MigratedError struct {
	To  int64
	Err error
}

func (e *MigratedError) Error() string {
	return fmt.Sprintf("target migrated to %d: %v", e.To, e.Err)
}

func (e *MigratedError) Unwrap() error {
	return e.Err
}

// RateLimitedError asks the caller to wait RetryAfter before trying again.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}
