// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package psf

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/zogy/internal/fft"
)

func gaussianRaster(n int, sigma, cx, cy float64) []float64 {
	res := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			res[y*n+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
		}
	}
	return res
}

// Constant gaussian model with the given basis size and sampling
func constantModel(size int, sigma, samp float64) *Model {
	h := float64(size / 2)
	return &Model{
		PolScale: [2]float64{1, 1},
		FWHM:     2.3548 * sigma * samp,
		Sampling: samp,
		Size:     size,
		NCoeff:   1,
		Basis:    gaussianRaster(size, sigma, h, h),
	}
}

func sum(data []float64) (s float64) {
	for _, v := range data {
		s += v
	}
	return s
}

func centroid(data []float64, n int) (cx, cy float64) {
	s := 0.0
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			v := data[y*n+x]
			cx += v * float64(x)
			cy += v * float64(y)
			s += v
		}
	}
	return cx / s, cy / s
}

func argmax(data []float64) int {
	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best
}

func TestTermsOrder(t *testing.T) {
	m := &Model{PolDeg: 2}
	got := m.Terms(2, 3)
	if diff := cmp.Diff([]float64{1, 2, 4, 3, 6, 9}, got); diff != "" {
		t.Errorf("terms mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 10, NumTerms(3))
}

func TestEvalLinearModel(t *testing.T) {
	n := 5
	basis := make([]float64, 3*n*n)
	for i := 0; i < n*n; i++ {
		basis[i] = 1
		basis[n*n+i] = 2
		basis[2*n*n+i] = 3
	}
	m := &Model{
		PolZero:  [2]float64{100, 200},
		PolScale: [2]float64{10, 20},
		PolDeg:   1,
		Sampling: 1,
		Size:     n,
		NCoeff:   3,
		Basis:    basis,
	}
	require.NoError(t, m.Validate())

	got := m.Eval(nil, 110, 240, false)
	for _, v := range got {
		assert.InDelta(t, 1+2*1+3*2, v, 1e-12)
	}
	single := m.Eval(nil, 110, 240, true)
	for _, v := range single {
		assert.InDelta(t, 1, v, 1e-12)
	}
}

func TestValidate(t *testing.T) {
	m := constantModel(7, 1.5, 1)
	require.NoError(t, m.Validate())

	bad := *m
	bad.Basis = bad.Basis[:10]
	assert.True(t, errors.Is(bad.Validate(), ErrModel))

	bad = *m
	bad.PolDeg, bad.NCoeff = 2, 3
	assert.True(t, errors.Is(bad.Validate(), ErrModel))

	bad = *m
	bad.Sampling = 0
	assert.True(t, errors.Is(bad.Validate(), ErrModel))
}

func TestKernelWrappedToOrigin(t *testing.T) {
	ev := &Evaluator{Model: constantModel(15, 1.8, 1)}
	kernel, psf, size, err := ev.Kernel(50, 50, 32)
	require.NoError(t, err)
	assert.Equal(t, 15, size)
	assert.InDelta(t, 1, sum(kernel), 1e-9)
	assert.InDelta(t, 1, sum(psf), 1e-9)
	assert.Equal(t, 0, argmax(kernel))
	assert.Equal(t, (size/2)*size+size/2, argmax(psf))

	// symmetric neighbours wrap around the edges
	assert.InDelta(t, kernel[1], kernel[31], 1e-12)
	assert.InDelta(t, kernel[32], kernel[31*32], 1e-12)

	// back to the center
	centered := make([]float64, 32*32)
	fft.FftShift(centered, kernel, 32)
	assert.Equal(t, 16*32+16, argmax(centered))
}

func TestKernelSizeForcedOdd(t *testing.T) {
	ev := &Evaluator{Model: constantModel(16, 2, 1)}
	_, _, size, err := ev.Kernel(0, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, 17, size)

	size, samp := ev.Size(ParityEven)
	assert.Equal(t, 16, size)
	assert.InDelta(t, 1, samp, 1e-12)
}

func TestKernelTooLarge(t *testing.T) {
	ev := &Evaluator{Model: constantModel(25, 3, 1)}
	_, _, _, err := ev.Kernel(0, 0, 20)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestAtCoordsIntegerPosition(t *testing.T) {
	ev := &Evaluator{Model: constantModel(15, 1.8, 1)}
	st := ev.AtCoords(120, 80, ParityOdd)
	assert.Equal(t, 0.0, st.DX)
	assert.Equal(t, 0.0, st.DY)
	for i := range st.Shifted {
		assert.InDelta(t, st.Unshifted[i], st.Shifted[i], 1e-12)
	}
}

func TestAtCoordsSubpixelShift(t *testing.T) {
	for _, mode := range []ShiftMode{ShiftSpline, ShiftFourier} {
		ev := &Evaluator{Model: constantModel(21, 2, 1), Shift: mode}
		st := ev.AtCoords(120.3, 79.8, ParityOdd)
		assert.InDelta(t, 0.3, st.DX, 1e-9)
		assert.InDelta(t, -0.2, st.DY, 1e-9)
		assert.InDelta(t, 1, sum(st.Shifted), 1e-9)

		cx, cy := centroid(st.Shifted, st.Size)
		ux, uy := centroid(st.Unshifted, st.Size)
		assert.InDelta(t, 10, ux, 1e-6, mode.String())
		assert.InDelta(t, 10, uy, 1e-6, mode.String())
		assert.InDelta(t, 10.3, cx, 0.03, mode.String())
		assert.InDelta(t, 9.8, cy, 0.03, mode.String())
	}
}

func TestAtCoordsEvenParity(t *testing.T) {
	ev := &Evaluator{Model: constantModel(20, 2, 1)}
	st := ev.AtCoords(120.75, 80.5, ParityEven)
	assert.Equal(t, 20, st.Size)
	assert.InDelta(t, 0.25, st.DX, 1e-12)
	assert.InDelta(t, 0, st.DY, 1e-12)
}

func TestAtCoordsOversampledModel(t *testing.T) {
	// basis pixels are half an image pixel
	ev := &Evaluator{Model: constantModel(31, 4, 0.5)}
	st := ev.AtCoords(50.3, 60, ParityOdd)
	assert.Equal(t, 17, st.Size)

	cx, cy := centroid(st.Shifted, st.Size)
	assert.InDelta(t, 8.3, cx, 0.05)
	assert.InDelta(t, 8, cy, 0.05)
}

func TestFourierShiftIntegerIsRoll(t *testing.T) {
	n := 8
	src := gaussianRaster(n, 1.2, 3, 4)
	got := FourierShift(src, n, 1, -2)
	want := make([]float64, n*n)
	fft.Roll(want, src, n, -2, 1)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9)
	}
}

func TestZoomPreservesCorners(t *testing.T) {
	src := make([]float64, 9)
	for i := range src {
		src[i] = float64(i)
	}
	got := zoom(src, 3, 5)
	require.Len(t, got, 25)
	assert.InDelta(t, 0, got[0], 1e-12)
	assert.InDelta(t, 2, got[4], 1e-12)
	assert.InDelta(t, 8, got[24], 1e-12)
	// linear data stays linear
	assert.InDelta(t, 4, got[12], 1e-9)
}

func TestClean(t *testing.T) {
	data := []float64{1, 0.5, 0.01, 0.001}
	clean(data, 0.02)
	assert.Equal(t, []float64{1, 0.5, 0, 0}, data)

	data = []float64{1, 1e-6}
	clean(data, 0)
	assert.Equal(t, []float64{1, 1e-6}, data)
}

func TestParseShiftMode(t *testing.T) {
	m, err := ParseShiftMode("Fourier")
	require.NoError(t, err)
	assert.Equal(t, ShiftFourier, m)
	_, err = ParseShiftMode("sinc")
	assert.Error(t, err)
}
