// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Bootstrap decides whether an access token needs refreshing by
// comparing the stored expiry against Clock.Now, and the retry loop
// waits between attempts with Clock.After. Tests substitute Fake so
// both decisions are deterministic:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go retry.Do(ctx, retry.Policy{Clock: c, ...}, classify, fn)
//	c.WaitForTimers(1)         // wait for the backoff to register
//	c.Advance(2 * time.Second) // fire it
package clock
