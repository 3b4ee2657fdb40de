// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance time deterministically. The
// run deadline, session expiry, and rate-bucket refill logic all depend
// on this package so their timing behavior is unit-testable without
// real sleeps.
package clock
