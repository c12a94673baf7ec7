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

package sim

import (
	habsim "github.com/ezzheng/habsim-sub000"
)

// DefaultStep is the fixed integration step used when a caller doesn't
// need a finer or coarser resolution.
const DefaultStep = 10.0 // seconds

// maxDescentSeconds bounds how long a descent may run before its
// ground_check is expected to have fired; it exists only to keep a
// pathological (e.g. zero descent rate) flight from integrating forever.
const maxDescentSeconds = 6 * 3600.0

// Fly composes the three flight phases described by p into a full
// Trajectory: ascent at +AscentRate until BurstAlt, float at zero vertical
// rate for FloatTime hours, then descent at -DescentRate*DescentCoeff
// until the ground check terminates the flight. This composition lives
// outside Simulator.Simulate, which only ever advances one phase at a
// time; the phase sequencing itself is the caller's responsibility.
func Fly(s *Simulator, p habsim.LaunchParams) (habsim.Trajectory, error) {
	var traj habsim.Trajectory

	state := habsim.BalloonState{T: p.LaunchEpoch, Lat: p.Lat, Lon: p.Lon, Alt: p.LaunchAlt, Phase: habsim.Ascent}

	if p.BurstAlt > p.LaunchAlt && p.AscentRate > 0 {
		ascentDuration := (p.BurstAlt - p.LaunchAlt) / p.AscentRate
		seg, err := s.Simulate(state, p.AscentRate, ascentDuration, DefaultStep, false)
		if err != nil {
			return traj, err
		}
		traj.Ascent = seg
		state = endState(seg, habsim.Float)
	}

	if p.FloatTime > 0 {
		seg, err := s.Simulate(state, 0, p.FloatTime*3600, DefaultStep, false)
		if err != nil {
			return traj, err
		}
		traj.Float = seg
		state = endState(seg, habsim.Descent)
	}

	state.Phase = habsim.Descent
	descentRate := p.DescentRate * p.DescentCoeff
	if descentRate <= 0 {
		descentRate = p.DescentRate
	}
	seg, err := s.Simulate(state, -descentRate, maxDescentSeconds, DefaultStep, true)
	if err != nil {
		return traj, err
	}
	traj.Descent = seg

	return traj, nil
}

func endState(seg habsim.Segment, nextPhase habsim.Phase) habsim.BalloonState {
	last := seg[len(seg)-1]
	return habsim.BalloonState{T: last.T, Lat: last.Lat, Lon: last.Lon, Alt: last.Alt, Phase: nextPhase}
}
