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

// Package elev provides the global elevation grid: a memory-mapped,
// read-only DEM with bilinear lookup. It is loaded once per process and
// treated as immutable for the process lifetime (C1).
package elev

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// headerSize is the size in bytes of the fixed-width file header:
// magic(4) nlat(4) nlon(4) lat0(8) lon0(8) dlat(8) dlon(8).
const headerSize = 4 + 4 + 4 + 8 + 8 + 8 + 8

const magic = uint32(0x48454c56) // "HELV"

// Grid is a global 2-D elevation array at ~0.008 degree resolution, meters
// above sea level, backed by a memory-mapped file. It is safe for concurrent
// read-only use.
type Grid struct {
	f    *os.File
	data []byte // mmap'd region covering the whole file

	nlat, nlon     int
	lat0, lon0     float64
	dlat, dlon     float64
}

// Open memory-maps the elevation grid at path. The backing file is never
// written to by this process.
func Open(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elev: opening %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elev: stat %s: %v", path, err)
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("elev: %s is smaller than the header", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elev: mmap %s: %v", path, err)
	}

	g := &Grid{f: f, data: data}
	if err := g.parseHeader(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	wantSize := int64(headerSize) + int64(g.nlat)*int64(g.nlon)*4
	if fi.Size() != wantSize {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("elev: %s has size %d, want %d for a %dx%d grid", path, fi.Size(), wantSize, g.nlat, g.nlon)
	}
	return g, nil
}

func (g *Grid) parseHeader() error {
	h := g.data[:headerSize]
	if binary.LittleEndian.Uint32(h[0:4]) != magic {
		return fmt.Errorf("elev: bad magic number, not an elevation grid file")
	}
	g.nlat = int(binary.LittleEndian.Uint32(h[4:8]))
	g.nlon = int(binary.LittleEndian.Uint32(h[8:12]))
	g.lat0 = math.Float64frombits(binary.LittleEndian.Uint64(h[12:20]))
	g.lon0 = math.Float64frombits(binary.LittleEndian.Uint64(h[20:28]))
	g.dlat = math.Float64frombits(binary.LittleEndian.Uint64(h[28:36]))
	g.dlon = math.Float64frombits(binary.LittleEndian.Uint64(h[36:44]))
	if g.nlat <= 1 || g.nlon <= 1 || g.dlat <= 0 || g.dlon <= 0 {
		return fmt.Errorf("elev: invalid grid dimensions nlat=%d nlon=%d dlat=%g dlon=%g", g.nlat, g.nlon, g.dlat, g.dlon)
	}
	return nil
}

// Close unmaps the grid. The Grid must not be used afterward.
func (g *Grid) Close() error {
	if err := unix.Munmap(g.data); err != nil {
		return err
	}
	return g.f.Close()
}

func (g *Grid) valueAt(row, col int) float32 {
	if row < 0 {
		row = 0
	} else if row >= g.nlat {
		row = g.nlat - 1
	}
	col = ((col % g.nlon) + g.nlon) % g.nlon
	off := headerSize + (row*g.nlon+col)*4
	bits := binary.LittleEndian.Uint32(g.data[off : off+4])
	return math.Float32frombits(bits)
}

// Elev returns the bilinearly-interpolated elevation in meters above sea
// level at the given latitude and longitude. Longitudes wrap at the
// antimeridian; latitudes are clamped to the grid extent.
func (g *Grid) Elev(lat, lon float64) float64 {
	lon = normalizeLon360(lon)

	fr := (lat - g.lat0) / g.dlat
	fc := (lon - g.lon0) / g.dlon

	r0 := int(math.Floor(fr))
	c0 := int(math.Floor(fc))
	tr := fr - float64(r0)
	tc := fc - float64(c0)

	v00 := float64(g.valueAt(r0, c0))
	v01 := float64(g.valueAt(r0, c0+1))
	v10 := float64(g.valueAt(r0+1, c0))
	v11 := float64(g.valueAt(r0+1, c0+1))

	top := v00*(1-tc) + v01*tc
	bot := v10*(1-tc) + v11*tc
	return top*(1-tr) + bot*tr
}

func normalizeLon360(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}
