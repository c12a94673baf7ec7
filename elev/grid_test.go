package elev

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeTestGrid writes a small elevation grid to path: nlat x nlon values
// starting at (lat0,lon0) with steps (dlat,dlon), row-major, values(r,c).
func writeTestGrid(t *testing.T, path string, nlat, nlon int, lat0, lon0, dlat, dlon float64, values func(r, c int) float32) {
	t.Helper()
	buf := make([]byte, headerSize+nlat*nlon*4)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(nlat))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(nlon))
	binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(lat0))
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(lon0))
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(dlat))
	binary.LittleEndian.PutUint64(buf[36:44], math.Float64bits(dlon))
	for r := 0; r < nlat; r++ {
		for c := 0; c < nlon; c++ {
			off := headerSize + (r*nlon+c)*4
			binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(values(r, c)))
		}
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing test grid: %v", err)
	}
}

func TestElevBilinear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elev.bin")
	// 3x4 grid, constant gradient in row and column so we can check exact
	// bilinear results: value(r,c) = 10*r + c.
	writeTestGrid(t, path, 3, 4, 0, 0, 1, 1, func(r, c int) float32 {
		return float32(10*r + c)
	})

	g, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	// Exact grid point.
	if v := g.Elev(1, 2); v != 12 {
		t.Errorf("Elev(1,2) = %v, want 12", v)
	}
	// Midpoint between (1,2)=12 and (1,3)=13 and (2,2)=22,(2,3)=23 -> avg 17.5
	if v := g.Elev(1.5, 2.5); math.Abs(v-17.5) > 1e-9 {
		t.Errorf("Elev(1.5,2.5) = %v, want 17.5", v)
	}
}

func TestElevLonWrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elev.bin")
	// 2x4 grid over lon [0,360) with step 90.
	writeTestGrid(t, path, 2, 4, 0, 0, 1, 90, func(r, c int) float32 {
		return float32(c * 100)
	})
	g, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	a := g.Elev(0, 359.999)
	b := g.Elev(0, -0.001)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("lon wrap mismatch: Elev(lon=359.999)=%v Elev(lon=-0.001)=%v", a, b)
	}
}
