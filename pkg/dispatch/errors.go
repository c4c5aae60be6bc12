// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAddress marks a group whose address field is absent or blank.
	ErrMissingAddress = errors.New("missing address")
	// ErrInvalidAddress marks a group whose address cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNoGroups is the cause of a FatalSetupError when the source yields no deliverable groups.
	ErrNoGroups = errors.New("no recipient groups found")
	// ErrNoTransport is returned by New when sending is enabled without a transport.
	ErrNoTransport = errors.New("no mail transport configured")
)

// FatalSetupError aborts a run before any group is processed.
type FatalSetupError struct {
	Op  string
	Err error
}

func (e *FatalSetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalSetupError) Unwrap() error {
	return e.Err
}

// RenderError is a failure to build the attachment or render the body of one group.
type RenderError struct {
	Stage Stage
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err aborted the run.
func IsFatal(err error) bool {
	var fe *FatalSetupError
	return errors.As(err, &fe)
}
