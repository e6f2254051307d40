// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/mxsession/lib/clock"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func epoch() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestBackoff(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for index, expected := range want {
		if got := policy.Backoff(index + 1); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", index+1, got, expected)
		}
	}
}

func TestDoSucceedsFirstTime(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Clock: clock.Fake(epoch())}, isTransient, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Do = %v after %d calls", err, calls)
	}
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Clock: clock.Fake(epoch())}, isTransient, func(context.Context) error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || calls != 1 {
		t.Errorf("Do = %v after %d calls, want the permanent error after 1", err, calls)
	}
}

func TestDoRetriesWithBackoff(t *testing.T) {
	fake := clock.Fake(epoch())
	policy := Policy{Attempts: 3, Initial: time.Second, Max: time.Minute, Clock: fake}

	calls := make(chan struct{}, 3)
	result := make(chan error, 1)
	go func() {
		attempts := 0
		result <- Do(context.Background(), policy, isTransient, func(context.Context) error {
			attempts++
			calls <- struct{}{}
			if attempts < 3 {
				return errTransient
			}
			return nil
		})
	}()

	<-calls
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	<-calls
	fake.WaitForTimers(1)
	// The second wait doubles: one second is not enough.
	fake.Advance(time.Second)
	if fake.PendingCount() != 1 {
		t.Fatal("second backoff fired early")
	}
	fake.Advance(time.Second)
	<-calls

	if err := <-result; err != nil {
		t.Errorf("Do = %v, want success on the third attempt", err)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	fake := clock.Fake(epoch())
	policy := Policy{Attempts: 2, Initial: time.Second, Clock: fake}

	result := make(chan error, 1)
	go func() {
		result <- Do(context.Background(), policy, isTransient, func(context.Context) error {
			return errTransient
		})
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	if err := <-result; !errors.Is(err, errTransient) {
		t.Errorf("Do = %v, want the last transient error", err)
	}
}

func TestDoStopsWhenCancelled(t *testing.T) {
	fake := clock.Fake(epoch())
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		result <- Do(ctx, Policy{Clock: fake}, isTransient, func(context.Context) error {
			return errTransient
		})
	}()

	fake.WaitForTimers(1)
	cancel()
	err := <-result
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do = %v, want context.Canceled", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("Do = %v, want the last failure joined", err)
	}
}
