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

import (
	"fmt"
	"sort"

	"github.com/ezzheng/habsim-sub000/herr"
)

// Axes describes the four independent coordinates of a wind tensor: time,
// pressure, latitude, and longitude. Pressures are sorted descending
// (surface first); latitude and longitude are regular 0.5 degree grids.
type Axes struct {
	TBase float64 // base epoch, seconds
	Dt    float64 // seconds, uniform step, >= 1h
	Nt    int

	Pressures []float64 // hPa, sorted descending, length Np

	Nlat int     // 361 for a 0.5 degree equator-symmetric grid
	Nlon int     // 720 for a 0.5 degree grid wrapping mod 360
	Lat0 float64 // degrees, lowest latitude in the grid (-90)
	Lon0 float64 // degrees, lowest longitude in the grid (0, wraps mod 360)
	Dlat float64
	Dlon float64
}

// Validate checks the axis invariants from the data model: uniform time
// steps, monotonic descending pressure, and a complete lat/lon grid.
func (a Axes) Validate() error {
	if a.Nt < 1 || a.Dt <= 0 {
		return fmt.Errorf("wind: invalid time axis Nt=%d Dt=%g", a.Nt, a.Dt)
	}
	if len(a.Pressures) < 2 {
		return fmt.Errorf("wind: pressure axis needs at least 2 levels, got %d", len(a.Pressures))
	}
	if !sort.SliceIsSorted(a.Pressures, func(i, j int) bool { return a.Pressures[i] > a.Pressures[j] }) {
		return fmt.Errorf("wind: pressure axis must be sorted descending")
	}
	if a.Nlat < 2 || a.Nlon < 2 || a.Dlat <= 0 || a.Dlon <= 0 {
		return fmt.Errorf("wind: invalid lat/lon grid Nlat=%d Nlon=%d", a.Nlat, a.Nlon)
	}
	return nil
}

// tMax is the last valid time in the axis, t_base + (Nt-1)*Dt.
func (a Axes) tMax() float64 { return a.TBase + float64(a.Nt-1)*a.Dt }

// timeIndex converts t to a fractional time index and the two bracketing
// integer indices, or OutOfDomain if t is outside [t_base, t_max].
func (a Axes) timeIndex(t float64) (frac float64, i0, i1 int, err error) {
	if t < a.TBase || t > a.tMax() {
		return 0, 0, 0, herr.Newf(herr.OutOfDomain, "time %v outside domain [%v, %v]", t, a.TBase, a.tMax())
	}
	fi := (t - a.TBase) / a.Dt
	i0 = int(fi)
	if i0 >= a.Nt-1 {
		i0 = a.Nt - 2
	}
	i1 = i0 + 1
	return fi - float64(i0), i0, i1, nil
}

// pressureIndex converts a pressure (hPa) to a fractional index and the two
// bracketing integer indices via binary search over the descending axis.
// Pressure increases as index decreases (surface is index 0).
func (a Axes) pressureIndex(p float64) (frac float64, i0, i1 int, err error) {
	np := len(a.Pressures)
	if p > a.Pressures[0] || p < a.Pressures[np-1] {
		return 0, 0, 0, herr.Newf(herr.OutOfDomain, "pressure %v outside domain [%v, %v]", p, a.Pressures[np-1], a.Pressures[0])
	}
	// Pressures[i] is descending, so search for the first index whose
	// pressure is <= p.
	i := sort.Search(np, func(i int) bool { return a.Pressures[i] <= p })
	if i == 0 {
		return 0, 0, 1, nil
	}
	if i >= np {
		i = np - 1
	}
	i0, i1 = i-1, i
	hi, lo := a.Pressures[i0], a.Pressures[i1]
	frac = (hi - p) / (hi - lo)
	return frac, i0, i1, nil
}

// latIndex converts a latitude to a fractional row index, clamped to the
// grid (no wrap).
func (a Axes) latIndex(lat float64) (frac float64, i0, i1 int) {
	fi := (lat - a.Lat0) / a.Dlat
	if fi < 0 {
		fi = 0
	}
	if fi > float64(a.Nlat-1) {
		fi = float64(a.Nlat - 1)
	}
	i0 = int(fi)
	if i0 >= a.Nlat-1 {
		i0 = a.Nlat - 2
	}
	i1 = i0 + 1
	return fi - float64(i0), i0, i1
}

// lonIndex converts a longitude to a fractional column index, wrapping
// modulo 360.
func (a Axes) lonIndex(lon float64) (frac float64, i0, i1 int) {
	lon = normalizeLon360(lon)
	fi := (lon - a.Lon0) / a.Dlon
	i0 = int(fi) % a.Nlon
	if i0 < 0 {
		i0 += a.Nlon
	}
	i1 = (i0 + 1) % a.Nlon
	return fi - float64(int(fi)), i0, i1
}

func normalizeLon360(lon float64) float64 {
	const full = 360.0
	lon = lon - full*float64(int(lon/full))
	if lon < 0 {
		lon += full
	}
	return lon
}
