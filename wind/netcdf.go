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
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// writeArchive writes u and v to a NetCDF classic-format file at path. The
// axis metadata is stored as global attributes so readArchive can
// reconstruct it without a side-channel. This mirrors the on-disk format
// produced by the GEFS download pipeline, which is out of scope here (§1);
// it exists so tests and the decompression path have a real archive to
// exercise.
func writeArchive(path string, axes Axes, u, v *sparse.DenseArray) error {
	h := cdf.NewHeader([]string{"time", "pressure", "lat", "lon"},
		[]int{axes.Nt, len(axes.Pressures), axes.Nlat, axes.Nlon})
	h.AddAttribute("", "t_base", []float64{axes.TBase})
	h.AddAttribute("", "dt", []float64{axes.Dt})
	h.AddAttribute("", "pressures", axes.Pressures)
	h.AddAttribute("", "lat0", []float64{axes.Lat0})
	h.AddAttribute("", "lon0", []float64{axes.Lon0})
	h.AddAttribute("", "dlat", []float64{axes.Dlat})
	h.AddAttribute("", "dlon", []float64{axes.Dlon})

	h.AddVariable("U", []string{"time", "pressure", "lat", "lon"}, []float32{0})
	h.AddVariable("V", []string{"time", "pressure", "lat", "lon"}, []float32{0})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wind: creating archive %s: %v", path, err)
	}
	defer f.Close()

	cf, err := cdf.Create(f, h)
	if err != nil {
		return fmt.Errorf("wind: writing archive header %s: %v", path, err)
	}
	if err := writeVar(cf, "U", u); err != nil {
		return err
	}
	if err := writeVar(cf, "V", v); err != nil {
		return err
	}
	return cdf.UpdateNumRecs(f)
}

func writeVar(f *cdf.File, name string, d *sparse.DenseArray) error {
	w := f.Writer(name, nil, nil)
	tmp := make([]float32, len(d.Elements))
	for i, v := range d.Elements {
		tmp[i] = float32(v)
	}
	if _, err := w.Write(tmp); err != nil {
		return fmt.Errorf("wind: writing variable %s: %v", name, err)
	}
	return nil
}

// readArchive reads the axes and u/v tensors back out of a NetCDF archive
// written by writeArchive, exactly as vargrid.go's LoadCTMData reads
// InMAP's meteorology files: a tmp []float32 buffer copied into a
// sparse.DenseArray.
func readArchive(path string) (Axes, *sparse.DenseArray, *sparse.DenseArray, error) {
	f, err := os.Open(path)
	if err != nil {
		return Axes{}, nil, nil, fmt.Errorf("wind: opening archive %s: %v", path, err)
	}
	defer f.Close()

	cf, err := cdf.Open(f)
	if err != nil {
		return Axes{}, nil, nil, fmt.Errorf("wind: reading archive header %s: %v", path, err)
	}

	axes := Axes{
		TBase:     cf.Header.GetAttribute("", "t_base").([]float64)[0],
		Dt:        cf.Header.GetAttribute("", "dt").([]float64)[0],
		Pressures: cf.Header.GetAttribute("", "pressures").([]float64),
		Lat0:      cf.Header.GetAttribute("", "lat0").([]float64)[0],
		Lon0:      cf.Header.GetAttribute("", "lon0").([]float64)[0],
		Dlat:      cf.Header.GetAttribute("", "dlat").([]float64)[0],
		Dlon:      cf.Header.GetAttribute("", "dlon").([]float64)[0],
	}
	dims := cf.Header.Lengths("U")
	axes.Nt = dims[0]
	axes.Nlat = dims[2]
	axes.Nlon = dims[3]

	u, err := readVar(cf, "U", dims)
	if err != nil {
		return Axes{}, nil, nil, err
	}
	v, err := readVar(cf, "V", dims)
	if err != nil {
		return Axes{}, nil, nil, err
	}
	return axes, u, v, nil
}

func readVar(f *cdf.File, name string, dims []int) (*sparse.DenseArray, error) {
	d := sparse.ZerosDense(dims...)
	r := f.Reader(name, nil, nil)
	tmp := make([]float32, len(d.Elements))
	if _, err := r.Read(tmp); err != nil {
		return nil, fmt.Errorf("wind: reading variable %s: %v", name, err)
	}
	for i, v := range tmp {
		d.Elements[i] = float64(v)
	}
	return d, nil
}
