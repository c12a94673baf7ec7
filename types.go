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

// Package habsim holds the domain types shared by every simulation and
// caching component: balloon state, trajectories, and cycle/member
// identifiers.
package habsim

import "fmt"

// Phase is a leg of a balloon flight.
type Phase int

const (
	Ascent Phase = iota
	Float
	Descent
)

func (p Phase) String() string {
	switch p {
	case Ascent:
		return "ascent"
	case Float:
		return "float"
	case Descent:
		return "descent"
	default:
		return "unknown"
	}
}

// Cycle is an opaque fixed-width GEFS cycle token, e.g. "2024073112".
type Cycle string

// Member is a GEFS ensemble member index. 0 is the control member.
type Member int

// ControlMember is the unperturbed ensemble member.
const ControlMember Member = 0

// BalloonState is a single point along a simulated flight.
type BalloonState struct {
	T     float64 // seconds since epoch
	Lat   float64 // degrees, [-90,90]
	Lon   float64 // degrees, normalized to [-180,180] on emission
	Alt   float64 // meters above sea level
	Phase Phase
}

// TrajectoryPoint is one emitted record of a simulated flight, including the
// wind sampled at that point.
type TrajectoryPoint struct {
	T   float64
	Lat float64
	Lon float64
	Alt float64
	U   float64
	V   float64
}

// Segment is an ordered sequence of trajectory points for one flight phase.
type Segment []TrajectoryPoint

// Trajectory is a full flight: ascent, float, and descent segments, in that
// order. A zero-length ascent or float segment is valid (e.g. when burst
// altitude equals launch altitude).
type Trajectory struct {
	Ascent  Segment
	Float   Segment
	Descent Segment
}

// Segments returns the three flight segments as an ordered slice, matching
// the wire representation [ascent[], float[], descent[]].
func (t Trajectory) Segments() []Segment {
	return []Segment{t.Ascent, t.Float, t.Descent}
}

// Landing returns the final point of the descent segment, or false if the
// trajectory has no descent points (e.g. the flight never terminated).
func (t Trajectory) Landing() (TrajectoryPoint, bool) {
	if len(t.Descent) == 0 {
		return TrajectoryPoint{}, false
	}
	return t.Descent[len(t.Descent)-1], true
}

// LaunchParams are the inputs that uniquely determine a single deterministic
// trajectory for one member.
type LaunchParams struct {
	LaunchEpoch    float64 // seconds, UTC
	Lat            float64
	Lon            float64
	LaunchAlt      float64 // meters
	BurstAlt       float64 // meters
	FloatTime      float64 // hours, may be zero
	AscentRate     float64 // m/s, >0
	DescentRate    float64 // m/s, >0
	DescentCoeff   float64 // multiplier on DescentRate during descent
	Member         Member
}

func (p LaunchParams) String() string {
	return fmt.Sprintf("launch(t=%.0f lat=%.4f lon=%.4f alt=%.0f burst=%.0f float=%.2fh asc=%.2f desc=%.2f coeff=%.3f member=%d)",
		p.LaunchEpoch, p.Lat, p.Lon, p.LaunchAlt, p.BurstAlt, p.FloatTime, p.AscentRate, p.DescentRate, p.DescentCoeff, p.Member)
}
