// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks one conversation per owner and working
// directory: the assistant-side resume id plus accumulated cost, turn,
// and tool usage counters.
//
// The manager is the in-memory authority; the store is write-through
// durability so conversations survive a gateway restart. Expiry is
// lazy: nothing scans for idle sessions, an expired session is simply
// discarded at the next lookup and a fresh one created in its place.
// Each owner holds at most a fixed number of live sessions; creating
// one beyond the ceiling evicts the owner's least recently active
// idle session.
//
// A session admits one run at a time. Acquire hands out a Handle that
// holds the in-flight slot; counters mutate only through
// Handle.Complete, which is called once a terminal result was actually
// observed. A run that dies without a result releases the slot with
// Handle.Release and leaves the session untouched.
package session
