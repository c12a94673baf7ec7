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

package ensemble

import (
	"math/rand"

	habsim "github.com/ezzheng/habsim-sub000"
	"gonum.org/v1/gonum/stat/distuv"
)

// unitSeed derives a deterministic seed for one (member, perturbation)
// draw from the request seed, so repeated runs with the same inputs
// produce bit-identical perturbations regardless of goroutine scheduling
// order.
func unitSeed(requestSeed int64, member habsim.Member, perturbation int) int64 {
	return requestSeed*1_000_003 + int64(member)*1009 + int64(perturbation+1)
}

func uniform(min, max float64, src rand.Source) float64 {
	return distuv.Uniform{Min: min, Max: max, Src: src}.Rand()
}

// perturb draws one independent Monte-Carlo sample of nominal's launch
// parameters, per the perturbation table: small uniform jitters on every
// continuous input, and a two-piece mixture on the descent coefficient (90%
// of draws land in the high-confidence band [0.95, 1.0), the rest in
// [0.9, 0.95)).
func perturb(nominal habsim.LaunchParams, seed int64) habsim.LaunchParams {
	src := rand.NewSource(seed)
	p := nominal

	p.Lat += uniform(-0.001, 0.001, src)
	p.Lon += uniform(-0.001, 0.001, src)
	p.LaunchAlt += uniform(-50, 50, src)
	p.BurstAlt += uniform(-200, 200, src)
	p.FloatTime *= 1 + uniform(-0.10, 0.10, src)
	p.AscentRate += uniform(-0.1, 0.1, src)
	p.DescentRate += uniform(-0.1, 0.1, src)

	if uniform(0, 1, src) < 0.9 {
		p.DescentCoeff = uniform(0.95, 1.0, src)
	} else {
		p.DescentCoeff = uniform(0.9, 0.95, src)
	}

	return p
}
