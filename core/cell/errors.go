// SPDX-FileCopyrightText: Copyright (C) 2025  The Velum Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is the error returned when a buffer holds fewer bytes
	// than the frame it declares.
	ErrTruncated = errors.New("cell: truncated cell")

	// ErrMalformed is the error returned when a cell's length fields are
	// inconsistent with its contents.
	ErrMalformed = errors.New("cell: malformed cell")
)

// UnknownCommandError is the error returned when the command byte of a
// cell is not recognized.  Callers treat this as a protocol violation.
type UnknownCommandError struct {
	// Command is the offending command byte.
	Command byte
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("cell: unknown command 0x%02x", e.Command)
}
