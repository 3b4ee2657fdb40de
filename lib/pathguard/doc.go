// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathguard checks that a path requested by a tool call stays
// inside a boundary root. It is purely lexical, resolving and
// cleaning paths without touching the filesystem, so results are
// deterministic and the check cannot be raced against concurrent
// filesystem changes. The sandbox the assistant runs in provides the
// enforcement layer; pathguard provides early detection and audit.
package pathguard
