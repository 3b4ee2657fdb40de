// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for Overseer tests: channel
// receive/close assertions with timeout safety valves, and temporary
// directory setup for store-backed tests.
package testutil
