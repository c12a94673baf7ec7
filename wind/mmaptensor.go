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
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/ctessum/sparse"
	"golang.org/x/sys/unix"
)

// mmapHeaderSize: magic(4) Nt(4) Np(4) Nlat(4) Nlon(4) TBase(8) Dt(8) Lat0(8)
// Lon0(8) Dlat(8) Dlon(8), followed by Np float64 pressures, then the U
// tensor, then the V tensor, both row-major in [t,p,lat,lon] order as
// float32.
const mmapMagic = uint32(0x57494e44) // "WIND"

func mmapHeaderSize(np int) int64 {
	return 4 + 4*4 + 6*8 + int64(np)*8
}

// writeMmapSibling writes u and v to a plain, fixed-offset binary file that
// can be memory-mapped directly, avoiding the NetCDF header parsing cost on
// every process that materializes this wind file in memory-mapped mode.
func writeMmapSibling(path string, axes Axes, u, v *sparse.DenseArray) error {
	np := len(axes.Pressures)
	hsize := mmapHeaderSize(np)
	total := hsize + 2*int64(axes.Nt*np*axes.Nlat*axes.Nlon)*4

	tmp, err := os.CreateTemp(dirOf(path), ".wind-mmap-*")
	if err != nil {
		return fmt.Errorf("wind: creating temp mmap sibling: %v", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := tmp.Truncate(total); err != nil {
		return fmt.Errorf("wind: truncating mmap sibling: %v", err)
	}

	buf := make([]byte, hsize)
	binary.LittleEndian.PutUint32(buf[0:4], mmapMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(axes.Nt))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(np))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(axes.Nlat))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(axes.Nlon))
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(axes.TBase))
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(axes.Dt))
	binary.LittleEndian.PutUint64(buf[36:44], math.Float64bits(axes.Lat0))
	binary.LittleEndian.PutUint64(buf[44:52], math.Float64bits(axes.Lon0))
	binary.LittleEndian.PutUint64(buf[52:60], math.Float64bits(axes.Dlat))
	binary.LittleEndian.PutUint64(buf[60:68], math.Float64bits(axes.Dlon))
	off := 68
	for _, p := range axes.Pressures {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(p))
		off += 8
	}
	if _, err := tmp.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("wind: writing mmap sibling header: %v", err)
	}

	if err := writeDenseAt(tmp, hsize, u); err != nil {
		return err
	}
	if err := writeDenseAt(tmp, hsize+int64(len(u.Elements))*4, v); err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wind: closing mmap sibling: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("wind: renaming mmap sibling into place: %v", err)
	}
	return nil
}

func writeDenseAt(f *os.File, at int64, d *sparse.DenseArray) error {
	buf := make([]byte, len(d.Elements)*4)
	for i, v := range d.Elements {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(float32(v)))
	}
	_, err := f.WriteAt(buf, at)
	return err
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// mmapTensor is a memory-mapped, read-only view of a wind archive's u and v
// tensors, touched lazily (16 elements per interpolation step) rather than
// loaded wholesale.
type mmapTensor struct {
	f    *os.File
	data []byte
	axes Axes

	uOff, vOff int64
}

func openMmapSibling(path string) (*mmapTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wind: opening mmap sibling %s: %v", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wind: stat mmap sibling %s: %v", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wind: mmap %s: %v", path, err)
	}

	t := &mmapTensor{f: f, data: data}
	if err := t.parseHeader(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *mmapTensor) parseHeader() error {
	h := t.data
	if binary.LittleEndian.Uint32(h[0:4]) != mmapMagic {
		return fmt.Errorf("wind: bad magic number, not a wind mmap sibling")
	}
	nt := int(binary.LittleEndian.Uint32(h[4:8]))
	np := int(binary.LittleEndian.Uint32(h[8:12]))
	nlat := int(binary.LittleEndian.Uint32(h[12:16]))
	nlon := int(binary.LittleEndian.Uint32(h[16:20]))
	axes := Axes{
		Nt:   nt,
		Nlat: nlat,
		Nlon: nlon,
		TBase: math.Float64frombits(binary.LittleEndian.Uint64(h[20:28])),
		Dt:    math.Float64frombits(binary.LittleEndian.Uint64(h[28:36])),
		Lat0:  math.Float64frombits(binary.LittleEndian.Uint64(h[36:44])),
		Lon0:  math.Float64frombits(binary.LittleEndian.Uint64(h[44:52])),
		Dlat:  math.Float64frombits(binary.LittleEndian.Uint64(h[52:60])),
		Dlon:  math.Float64frombits(binary.LittleEndian.Uint64(h[60:68])),
	}
	pressures := make([]float64, np)
	off := 68
	for i := range pressures {
		pressures[i] = math.Float64frombits(binary.LittleEndian.Uint64(h[off : off+8]))
		off += 8
	}
	axes.Pressures = pressures
	t.axes = axes
	t.uOff = int64(off)
	t.vOff = t.uOff + int64(nt*np*nlat*nlon)*4
	return nil
}

// at returns the u,v value at the given integer indices.
func (t *mmapTensor) at(it, ip, ilat, ilon int) (u, v float32) {
	n := t.axes
	idx := int64(((it*len(n.Pressures)+ip)*n.Nlat+ilat)*n.Nlon + ilon)
	uBits := binary.LittleEndian.Uint32(t.data[t.uOff+idx*4 : t.uOff+idx*4+4])
	vBits := binary.LittleEndian.Uint32(t.data[t.vOff+idx*4 : t.vOff+idx*4+4])
	return math.Float32frombits(uBits), math.Float32frombits(vBits)
}

func (t *mmapTensor) close() error {
	if err := unix.Munmap(t.data); err != nil {
		return err
	}
	return t.f.Close()
}
