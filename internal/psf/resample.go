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
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/mlnoga/zogy/internal/fft"
)

// One-dimensional cubic spline through equidistant samples at 0..n-1.
// Returns zero outside the sampled interval
type spline struct {
	xs  []float64
	nc  interp.NaturalCubic
	lin interp.PiecewiseLinear
	c   float64
	n   int
}

func newSpline(n int) *spline {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	return &spline{xs: xs, n: n}
}

func (s *spline) fit(ys []float64) {
	if s.n >= 3 {
		s.nc.Fit(s.xs, ys)
	} else if s.n == 2 {
		s.lin.Fit(s.xs, ys)
	} else {
		s.c = ys[0]
	}
}

const splineEps = 1e-9

func (s *spline) at(x float64) float64 {
	if x < -splineEps || x > float64(s.n-1)+splineEps {
		return 0
	}
	x = math.Max(0, math.Min(float64(s.n-1), x))
	switch {
	case s.n >= 3:
		return s.nc.Predict(x)
	case s.n == 2:
		return s.lin.Predict(x)
	}
	return s.c
}

// Resamples a square raster of edge nIn to edge nOut, mapping the corner pixels onto each other.
// Separable cubic spline, rows first
func zoom(src []float64, nIn, nOut int) []float64 {
	if nIn == nOut {
		return append([]float64(nil), src...)
	}
	scale := 0.0
	if nOut > 1 {
		scale = float64(nIn-1) / float64(nOut-1)
	}
	return resample(src, nIn, nOut, func(o int) float64 { return float64(o) * scale })
}

// Moves raster content by dx, dy pixels with cubic splines. Content shifted in from outside is zero
func shiftSpline(src []float64, n int, dx, dy float64) []float64 {
	if dx == 0 && dy == 0 {
		return append([]float64(nil), src...)
	}
	tmp := make([]float64, n*n)
	sp := newSpline(n)
	row := make([]float64, n)
	for y := 0; y < n; y++ {
		sp.fit(src[y*n : (y+1)*n])
		for x := 0; x < n; x++ {
			tmp[y*n+x] = sp.at(float64(x) - dx)
		}
	}
	dst := make([]float64, n*n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			row[y] = tmp[y*n+x]
		}
		sp.fit(row)
		for y := 0; y < n; y++ {
			dst[y*n+x] = sp.at(float64(y) - dy)
		}
	}
	return dst
}

// Generic separable square resampling, where coord maps an output index to an input coordinate
func resample(src []float64, nIn, nOut int, coord func(o int) float64) []float64 {
	coords := make([]float64, nOut)
	for o := range coords {
		coords[o] = coord(o)
	}
	sp := newSpline(nIn)

	tmp := make([]float64, nIn*nOut)
	for y := 0; y < nIn; y++ {
		sp.fit(src[y*nIn : (y+1)*nIn])
		for x, c := range coords {
			tmp[y*nOut+x] = sp.at(c)
		}
	}
	dst := make([]float64, nOut*nOut)
	col := make([]float64, nIn)
	for x := 0; x < nOut; x++ {
		for y := 0; y < nIn; y++ {
			col[y] = tmp[y*nOut+x]
		}
		sp.fit(col)
		for y, c := range coords {
			dst[y*nOut+x] = sp.at(c)
		}
	}
	return dst
}

// Moves raster content by dx, dy pixels with the Fourier shift theorem, returning the real part.
// Content wraps around the edges
func shiftFourier(src []float64, n int, dx, dy float64) []float64 {
	if dx == 0 && dy == 0 {
		return append([]float64(nil), src...)
	}
	plan := fft.NewPlan(n)
	hat := plan.Forward(nil, src)
	freq := fft.Frequencies(n)
	nf := float64(n)
	for y, fy := range freq {
		for x, fx := range freq {
			phi := -2 * math.Pi * (fy*dy/nf + fx*dx/nf)
			sin, cos := math.Sincos(phi)
			hat[y*n+x] *= complex(cos, sin)
		}
	}
	return plan.InverseReal(nil, hat)
}

// Sets all values below factor times the maximum to zero
func clean(data []float64, factor float64) {
	if factor <= 0 {
		return
	}
	max := math.Inf(-1)
	for _, v := range data {
		if v > max {
			max = v
		}
	}
	thresh := max * factor
	for i, v := range data {
		if v < thresh {
			data[i] = 0
		}
	}
}

// Scales data to unit sum. Leaves data with a zero sum untouched
func normalize(data []float64) {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	if sum == 0 || math.IsNaN(sum) {
		return
	}
	inv := 1 / sum
	for i := range data {
		data[i] *= inv
	}
}
