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

// Package wind loads GEFS wind-field archives and interpolates the
// (u, v) wind vector at an arbitrary (lat, lon, altitude, time) point.
//
// A wind file is backed by one of two access modes, set by the cache that
// constructs it (§4.2 of the design): Resident mode loads the full tensor
// into a sparse.DenseArray; memory-mapped mode leaves the tensor on disk
// and maps it, paying a page fault per touched element instead of an
// up-front load. Both modes share the same four-dimensional linear
// interpolation in Get.
package wind

import (
	"fmt"
	"sync"

	"github.com/ctessum/sparse"
	"github.com/ezzheng/habsim-sub000/herr"
)

// Mode selects how a File's tensor data is held in memory.
type Mode int

const (
	// Resident loads u and v entirely into process memory.
	Resident Mode = iota
	// MemoryMapped leaves u and v on disk and touches pages on demand.
	MemoryMapped
)

// File is an open wind-field archive: the axis metadata plus one of the two
// tensor-storage backends.
type File struct {
	axes Axes
	mode Mode

	// resident mode
	u, v *sparse.DenseArray
	// memory-mapped mode
	mm *mmapTensor
}

// artifactLocks serializes concurrent decompressions of the same on-disk
// artifact: two goroutines racing to materialize the same cycle's wind file
// would otherwise duplicate the work and momentarily double disk usage.
var artifactLocks sync.Map // map[string]*sync.Mutex

func lockFor(key string) *sync.Mutex {
	l, _ := artifactLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Materialize ensures archivePath has a memory-mappable sibling on disk
// (mmapPath) and opens the file in memory-mapped mode. If the sibling
// already exists it is opened directly; otherwise it's built once from the
// archive, under a per-mmapPath lock so concurrent callers for the same
// artifact don't duplicate the decompression work.
func Materialize(archivePath, mmapPath string) (*File, error) {
	l := lockFor(mmapPath)
	l.Lock()
	defer l.Unlock()

	if t, err := openMmapSibling(mmapPath); err == nil {
		return &File{axes: t.axes, mode: MemoryMapped, mm: t}, nil
	}

	axes, u, v, err := readArchive(archivePath)
	if err != nil {
		return nil, fmt.Errorf("wind: materializing %s: %v", archivePath, err)
	}
	if err := writeMmapSibling(mmapPath, axes, u, v); err != nil {
		return nil, fmt.Errorf("wind: materializing %s: %v", archivePath, err)
	}
	t, err := openMmapSibling(mmapPath)
	if err != nil {
		return nil, err
	}
	return &File{axes: t.axes, mode: MemoryMapped, mm: t}, nil
}

// OpenResident loads a wind archive entirely into memory.
func OpenResident(archivePath string) (*File, error) {
	axes, u, v, err := readArchive(archivePath)
	if err != nil {
		return nil, err
	}
	return &File{axes: axes, mode: Resident, u: u, v: v}, nil
}

// WriteArchive persists u and v as a new wind archive, for use by tests and
// by whatever upstream pipeline produces GEFS-derived tensors.
func WriteArchive(path string, axes Axes, u, v *sparse.DenseArray) error {
	if err := axes.Validate(); err != nil {
		return err
	}
	return writeArchive(path, axes, u, v)
}

// Axes returns the file's coordinate axes.
func (f *File) Axes() Axes { return f.axes }

// Mode reports how this file's tensor data is held.
func (f *File) Mode() Mode { return f.mode }

// Close releases any resources (mmap, file descriptors) held by f.
func (f *File) Close() error {
	if f.mm != nil {
		return f.mm.close()
	}
	return nil
}

func (f *File) at(it, ip, ilat, ilon int) (u, v float64) {
	if f.mode == MemoryMapped {
		uu, vv := f.mm.at(it, ip, ilat, ilon)
		return float64(uu), float64(vv)
	}
	np := len(f.axes.Pressures)
	idx := ((it*np+ip)*f.axes.Nlat + ilat) * f.axes.Nlon + ilon
	return f.u.Elements[idx], f.v.Elements[idx]
}

// Get returns the interpolated wind vector (u, v), in m/s, at the given
// latitude, longitude, altitude (meters) and time (seconds since epoch). It
// performs quadrilinear interpolation over the 16 tensor samples
// surrounding the query point, converting altitude to pressure via the
// standard atmosphere. Returns an OutOfDomain error if the time or the
// altitude (pressure) is out of range; latitude is clamped to the grid and
// longitude wraps, so neither triggers this error.
func (f *File) Get(lat, lon, altM, t float64) (u, v float64, err error) {
	p := AltitudeToPressure(altM)

	tf, it0, it1, err := f.axes.timeIndex(t)
	if err != nil {
		return 0, 0, err
	}
	pf, ip0, ip1, err := f.axes.pressureIndex(p)
	if err != nil {
		return 0, 0, herr.Newf(herr.OutOfDomain, "altitude %v (pressure %v hPa) outside wind domain: %v", altM, p, err)
	}
	latf, ilat0, ilat1 := f.axes.latIndex(lat)
	lonf, ilon0, ilon1 := f.axes.lonIndex(lon)

	// Quadrilinear blend across time, pressure, lat, lon, in that order.
	var uSum, vSum float64
	for _, c := range []struct {
		it, ip, ilat, ilon int
		w                  float64
	}{
		{it0, ip0, ilat0, ilon0, (1 - tf) * (1 - pf) * (1 - latf) * (1 - lonf)},
		{it0, ip0, ilat0, ilon1, (1 - tf) * (1 - pf) * (1 - latf) * lonf},
		{it0, ip0, ilat1, ilon0, (1 - tf) * (1 - pf) * latf * (1 - lonf)},
		{it0, ip0, ilat1, ilon1, (1 - tf) * (1 - pf) * latf * lonf},
		{it0, ip1, ilat0, ilon0, (1 - tf) * pf * (1 - latf) * (1 - lonf)},
		{it0, ip1, ilat0, ilon1, (1 - tf) * pf * (1 - latf) * lonf},
		{it0, ip1, ilat1, ilon0, (1 - tf) * pf * latf * (1 - lonf)},
		{it0, ip1, ilat1, ilon1, (1 - tf) * pf * latf * lonf},
		{it1, ip0, ilat0, ilon0, tf * (1 - pf) * (1 - latf) * (1 - lonf)},
		{it1, ip0, ilat0, ilon1, tf * (1 - pf) * (1 - latf) * lonf},
		{it1, ip0, ilat1, ilon0, tf * (1 - pf) * latf * (1 - lonf)},
		{it1, ip0, ilat1, ilon1, tf * (1 - pf) * latf * lonf},
		{it1, ip1, ilat0, ilon0, tf * pf * (1 - latf) * (1 - lonf)},
		{it1, ip1, ilat0, ilon1, tf * pf * (1 - latf) * lonf},
		{it1, ip1, ilat1, ilon0, tf * pf * latf * (1 - lonf)},
		{it1, ip1, ilat1, ilon1, tf * pf * latf * lonf},
	} {
		if c.w == 0 {
			continue
		}
		cu, cv := f.at(c.it, c.ip, c.ilat, c.ilon)
		uSum += c.w * cu
		vSum += c.w * cv
	}
	return uSum, vSum, nil
}
