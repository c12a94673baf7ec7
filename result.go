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

package habsim

// ResultKind discriminates the outcome of a simulation. It replaces the
// duck-typed "error"/"alt error" sentinel strings with a typed sum; mapping
// a ResultKind to its wire sentinel is the transport layer's job alone.
type ResultKind int

const (
	// ResultOK carries a complete trajectory.
	ResultOK ResultKind = iota
	// ResultOutOfDomain means the flight left the wind field's domain
	// (surfaces as "alt error").
	ResultOutOfDomain
	// ResultFailed means any other simulation failure (surfaces as "error").
	ResultFailed
)

// Result is the outcome of a single simulation: exactly one of a trajectory,
// an out-of-domain condition, or a generic failure.
type Result struct {
	Kind       ResultKind
	Trajectory Trajectory
	Err        error
}

// OK constructs a successful Result.
func OK(t Trajectory) Result { return Result{Kind: ResultOK, Trajectory: t} }

// OutOfDomainResult constructs an out-of-domain Result.
func OutOfDomainResult(err error) Result { return Result{Kind: ResultOutOfDomain, Err: err} }

// Failed constructs a generic-failure Result.
func Failed(err error) Result { return Result{Kind: ResultFailed, Err: err} }

// IsOK reports whether the result carries a usable trajectory.
func (r Result) IsOK() bool { return r.Kind == ResultOK }
