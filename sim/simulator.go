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

// Package sim integrates a single balloon trajectory through a bound wind
// field and elevation grid, one flight phase at a time.
package sim

import (
	"math"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/herr"
)

// earthRadiusM is the mean Earth radius used to convert horizontal wind
// displacement into a change in latitude/longitude.
const earthRadiusM = 6371000.0

const deg2rad = math.Pi / 180.0

// WindSource samples the wind vector at a point in space and time. It is
// satisfied by *wind.File.
type WindSource interface {
	Get(lat, lon, altM, t float64) (u, v float64, err error)
}

// ElevSource reports ground elevation. It is satisfied by *elev.Grid.
type ElevSource interface {
	Elev(lat, lon float64) float64
}

// Simulator integrates a trajectory through a specific (wind, elevation)
// pair, typically one bound to a specific GEFS cycle and ensemble member.
type Simulator struct {
	Wind WindSource
	Elev ElevSource
}

// New binds a Simulator to the given wind and elevation sources.
func New(w WindSource, e ElevSource) *Simulator {
	return &Simulator{Wind: w, Elev: e}
}

// Simulate integrates forward from initial at vertical rate vz for up to
// duration seconds, recording a point every step seconds, using fixed-step
// second-order Runge-Kutta (midpoint). If groundCheck is true, the segment
// terminates as soon as altitude drops to or below ground elevation at the
// current position, emitting a final point snapped to the ground. If the
// wind lookup goes out of domain, the segment terminates early and the
// error is returned alongside the partial segment.
func (s *Simulator) Simulate(initial habsim.BalloonState, vz, duration, step float64, groundCheck bool) (habsim.Segment, error) {
	if step <= 0 {
		return nil, herr.Newf(herr.IntegratorFailed, "sim: non-positive step %v", step)
	}

	var seg habsim.Segment
	state := initial

	u0, v0, err := s.Wind.Get(state.Lat, state.Lon, state.Alt, state.T)
	if err != nil {
		return seg, herr.Newf(herr.OutOfDomain, "sim: initial wind sample: %v", err)
	}
	seg = append(seg, habsim.TrajectoryPoint{T: state.T, Lat: state.Lat, Lon: state.Lon, Alt: state.Alt, U: u0, V: v0})

	elapsed := 0.0
	for elapsed < duration {
		dt := step
		if elapsed+dt > duration {
			dt = duration - elapsed
		}

		next, u, v, err := s.stepMidpoint(state, vz, dt)
		if err != nil {
			return seg, err
		}

		if groundCheck {
			ground := s.Elev.Elev(next.Lat, next.Lon)
			if next.Alt <= ground {
				next.Alt = ground
				seg = append(seg, habsim.TrajectoryPoint{T: next.T, Lat: next.Lat, Lon: next.Lon, Alt: next.Alt, U: u, V: v})
				return seg, nil
			}
		}

		seg = append(seg, habsim.TrajectoryPoint{T: next.T, Lat: next.Lat, Lon: next.Lon, Alt: next.Alt, U: u, V: v})
		state = next
		elapsed += dt
	}
	return seg, nil
}

// stepMidpoint advances state by dt seconds using RK2 (midpoint): it
// samples wind at the current state, takes a half-step to a midpoint,
// resamples there, then applies the full step using the midpoint
// derivatives. Returns the new state and the wind sampled at the midpoint
// (for the emitted record).
func (s *Simulator) stepMidpoint(state habsim.BalloonState, vz, dt float64) (habsim.BalloonState, float64, float64, error) {
	u0, v0, err := s.Wind.Get(state.Lat, state.Lon, state.Alt, state.T)
	if err != nil {
		return habsim.BalloonState{}, 0, 0, herr.Newf(herr.OutOfDomain, "sim: wind sample at step start: %v", err)
	}

	cosLat0 := math.Cos(state.Lat * deg2rad)
	dLat0 := v0 * dt / (earthRadiusM * deg2rad)
	dLon0 := u0 * dt / (earthRadiusM * cosLat0 * deg2rad)
	dAlt0 := vz * dt

	mid := habsim.BalloonState{
		T:   state.T + dt/2,
		Lat: state.Lat + dLat0/2,
		Lon: state.Lon + dLon0/2,
		Alt: state.Alt + dAlt0/2,
	}

	u1, v1, err := s.Wind.Get(mid.Lat, mid.Lon, mid.Alt, mid.T)
	if err != nil {
		return habsim.BalloonState{}, 0, 0, herr.Newf(herr.OutOfDomain, "sim: wind sample at midpoint: %v", err)
	}

	cosLatMid := math.Cos(mid.Lat * deg2rad)
	dLat := v1 * dt / (earthRadiusM * deg2rad)
	dLon := u1 * dt / (earthRadiusM * cosLatMid * deg2rad)
	dAlt := vz * dt

	next := habsim.BalloonState{
		T:     state.T + dt,
		Lat:   state.Lat + dLat,
		Lon:   normalizeLon180(state.Lon + dLon),
		Alt:   state.Alt + dAlt,
		Phase: state.Phase,
	}
	return next, u1, v1, nil
}

func normalizeLon180(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
