// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Overseer's standard CBOR encoding
// configuration.
//
// Overseer uses two serialization formats with a clear boundary: JSON
// for the assistant's wire protocol (stream-json stdout lines) and for
// configuration-adjacent files, CBOR for internal persistence: the
// tool-usage sets and interaction transcripts stored as blobs in the
// session store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which keeps the
// content hashes computed over stored transcripts stable.
package codec
