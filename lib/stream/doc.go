// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream parses the assistant CLI's stream-json output
// protocol: one JSON object per stdout line, tagged by a "type" field.
//
// ParseLine is a pure function from one raw line to at most one Event.
// Malformed lines yield no event (the caller logs and skips them);
// well-formed lines with an unrecognized type decode to EventIgnored so
// that protocol additions degrade gracefully instead of failing runs.
package stream
