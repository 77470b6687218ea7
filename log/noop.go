// Copyright (c) 2026 The QRDAG Authors. All rights reserved.
// Use of this source code is governed by a license that can be found in
// the LICENSE file.

// Package log re-exports the structured logger used across every
// component constructor, matching spec.md §9's "no global mutable state:
// each core component is instantiated per node with explicit
// configuration" — logging included.
package log

import (
	"github.com/luxfi/log"
)

// Logger is the structured logger interface every component holds a
// handle to (never a package-level global).
type Logger = log.Logger

// NewNoOp returns a logger that discards everything, for tests and for
// components constructed without a configured sink.
func NewNoOp() Logger {
	return log.NewNoOpLogger()
}