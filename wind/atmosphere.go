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

package wind

import "math"

// atmLevel is one row of the ICAO standard atmosphere table: geopotential
// altitude in meters and the corresponding pressure in hPa.
type atmLevel struct {
	altM     float64
	pressure float64
}

// standardAtmosphere is the ICAO standard atmosphere from sea level to
// 47km, tabulated at its defining layer boundaries. Pressure decreases
// monotonically with altitude, which is what AltitudeToPressure and
// PressureToAltitude rely on.
var standardAtmosphere = []atmLevel{
	{0, 1013.25},
	{11000, 226.32},
	{20000, 54.748},
	{32000, 8.680},
	{47000, 1.109},
}

// AltitudeToPressure converts a geopotential altitude in meters to pressure
// in hPa by log-linear interpolation between ICAO standard-atmosphere layer
// boundaries. Altitudes outside the table are extrapolated from the nearest
// layer.
func AltitudeToPressure(altM float64) float64 {
	i := 0
	for i < len(standardAtmosphere)-2 && altM > standardAtmosphere[i+1].altM {
		i++
	}
	lo, hi := standardAtmosphere[i], standardAtmosphere[i+1]
	frac := (altM - lo.altM) / (hi.altM - lo.altM)
	logP := math.Log(lo.pressure) + frac*(math.Log(hi.pressure)-math.Log(lo.pressure))
	return math.Exp(logP)
}

// PressureToAltitude is the inverse of AltitudeToPressure.
func PressureToAltitude(hPa float64) float64 {
	i := 0
	for i < len(standardAtmosphere)-2 && hPa < standardAtmosphere[i+1].pressure {
		i++
	}
	lo, hi := standardAtmosphere[i], standardAtmosphere[i+1]
	logLo, logHi := math.Log(lo.pressure), math.Log(hi.pressure)
	frac := (math.Log(hPa) - logLo) / (logHi - logLo)
	return lo.altM + frac*(hi.altM-lo.altM)
}
