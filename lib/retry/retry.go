// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation with bounded exponential backoff on
// transient failures. The caller decides what is transient: Do never
// retries an error the classifier rejects, and a cancelled context
// stops the wait between attempts immediately.
//
// The libraries in this module never retry internally. Callers that
// own a retry budget (the CLI around bootstrap, a service's start-up
// loop) wrap the call in Do.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/mxsession/lib/clock"
)

// Policy bounds the retry loop. Zero fields take the defaults noted on
// each.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	// Default 5.
	Attempts int

	// Initial is the wait after the first failure; each later wait
	// doubles. Default 1s.
	Initial time.Duration

	// Max caps a single wait. Default 30s.
	Max time.Duration

	// Clock times the waits. Default the real clock.
	Clock clock.Clock

	// Logger receives a warning per retried failure. Default discard.
	Logger *slog.Logger
}

const (
	defaultAttempts = 5
	defaultInitial  = time.Second
	defaultMax      = 30 * time.Second
)

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitial
	}
	if p.Max <= 0 {
		p.Max = defaultMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// Backoff returns the wait before attempt (1-based, so Backoff(1) is
// the wait after the first failure).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	wait := p.Initial
	for range attempt - 1 {
		wait *= 2
		if wait >= p.Max {
			return p.Max
		}
	}
	return wait
}

// Do calls fn until it succeeds, returns an error transient rejects, or
// the attempts run out. The last error is returned as is, so callers
// can still inspect it with errors.As. If ctx is cancelled while
// waiting, the context's error is returned joined with the last
// failure.
func Do(ctx context.Context, policy Policy, transient func(error) bool, fn func(context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) || attempt >= policy.Attempts {
			return lastErr
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), lastErr)
		}

		wait := policy.Backoff(attempt)
		policy.Logger.Warn("transient failure, retrying",
			"attempt", attempt,
			"max_attempts", policy.Attempts,
			"backoff", wait,
			"error", lastErr,
		)
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), lastErr)
		case <-policy.Clock.After(wait):
		}
	}
}
