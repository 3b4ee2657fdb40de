// Copyright 2026 The Overseer Authors
// SPDX-License-Identifier: Apache-2.0

// Package command builds the argument vector for the assistant CLI.
//
// The assistant's argument grammar distinguishes three intents:
// continue the previous conversation without a new prompt
// (--continue), continue with a follow-up message (--resume <id> -p),
// and a fresh prompt (-p, optionally resuming a prior conversation id
// recorded for the working directory). Every invocation requests
// stream-json output and carries the run's turn ceiling and tool
// allow-list.
package command
