/*
Copyright © 2024 the HABSIM authors.
This file is part of HABSIM.

HABSIM is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

HABSIM is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with HABSIM.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package herr defines the error kinds used throughout the simulation and
// caching substrate so that callers can distinguish failure classes with
// errors.As instead of string matching.
package herr

import "fmt"

// Kind is a coarse failure class, per the error handling design.
type Kind int

const (
	// OutOfDomain: wind sample requested outside axis extent.
	OutOfDomain Kind = iota
	// ArtifactMissing: remote artifact absent; retried then escalated.
	ArtifactMissing
	// CycleUnavailable: no complete cycle available.
	CycleUnavailable
	// SimulatorBuildFailed: C2/C4 failure during materialization.
	SimulatorBuildFailed
	// IntegratorFailed: unexpected numeric condition (NaN/Inf).
	IntegratorFailed
	// Cancelled: cooperative cancellation, terminal, not retried.
	Cancelled
	// Timeout: per-request deadline exceeded, terminal.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case OutOfDomain:
		return "alt error"
	case ArtifactMissing:
		return "artifact missing"
	case CycleUnavailable:
		return "cycle unavailable"
	case SimulatorBuildFailed:
		return "simulator build failed"
	case IntegratorFailed:
		return "error"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given Kind.
func New(k Kind, cause error) error {
	return &Error{Kind: k, Cause: cause}
}

// Newf wraps a formatted error with the given Kind.
func Newf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if he, ok := err.(*Error); ok {
			e = he
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == k
}

// KindOf returns the Kind carried by err, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if he, ok := err.(*Error); ok {
			e = he
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}
