// Package chat owns the conversation state machine: the conversation
// list, the visible message window, and the send pipeline.
package chat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haseeb302/finance-bot/internal/api"
)

// Policy decides which errors are worth another attempt and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean a single
	// attempt with no retries.
	MaxAttempts int
	Retryable   func(error) bool
	Schedule    func() backoff.BackOff
}

// SendPolicy retries connectivity failures twice, waiting unit then
// 2*unit. Any error that carries an HTTP status fails immediately.
func SendPolicy(unit time.Duration) Policy {
	return Policy{
		MaxAttempts: 3,
		Retryable:   api.IsNetworkError,
		Schedule:    func() backoff.BackOff { return &linearBackOff{unit: unit} },
	}
}

// Run executes op under the policy. The error surfaced is always the
// last attempt's, untouched.
func (p Policy) Run(ctx context.Context, op func() error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var bo backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Schedule != nil {
		bo = p.Schedule()
	}
	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempts >= max {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// linearBackOff waits unit, then 2*unit, then 3*unit.
type linearBackOff struct {
	unit time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.unit
}

func (l *linearBackOff) Reset() { l.n = 0 }
