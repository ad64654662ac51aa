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
	"fmt"
	"math"
	"strings"

	"github.com/mlnoga/zogy/internal/fft"
)

// Sub-pixel shift interpolation method
type ShiftMode int

const (
	ShiftSpline  ShiftMode = iota // Separable cubic spline, zero outside the raster
	ShiftFourier                  // Fourier shift theorem, wrapping around
)

var shiftModeNames = []string{"spline", "fourier"}

func (m ShiftMode) String() string {
	if m < 0 || int(m) >= len(shiftModeNames) {
		return fmt.Sprintf("ShiftMode(%d)", int(m))
	}
	return shiftModeNames[m]
}

// Parses a shift mode name, case-insensitive
func ParseShiftMode(s string) (ShiftMode, error) {
	for i, n := range shiftModeNames {
		if strings.EqualFold(s, n) {
			return ShiftMode(i), nil
		}
	}
	return ShiftSpline, fmt.Errorf("unknown PSF shift mode %q", s)
}

// Parity of the resampled PSF raster edge length
type Parity int

const (
	ParityOdd  Parity = iota // Odd edge, peak on the central pixel
	ParityEven               // Even edge, peak between the four central pixels
)

var ErrShape = errors.New("PSF does not fit")

// Renders PSF rasters from a model at the image pixel scale
type Evaluator struct {
	Model     *Model
	Clean     float64   // Values below Clean times the maximum are set to zero. 0 disables
	UseSingle bool      // Ignore spatial variation and use the constant basis only
	Shift     ShiftMode // Sub-pixel shift method
}

// Edge length at the image pixel scale for the given parity, and the effective sampling
func (e *Evaluator) Size(parity Parity) (size int, samp float64) {
	size = int(math.Ceil(float64(e.Model.Size) * e.Model.Sampling))
	if size < 1 {
		size = 1
	}
	if (parity == ParityOdd) == (size%2 == 0) {
		size++
	}
	return size, float64(size) / float64(e.Model.Size)
}

func (e *Evaluator) finish(data []float64) []float64 {
	clean(data, e.Clean)
	normalize(data)
	return data
}

// Renders the PSF at 0-based image pixel cx, cy into a bufSize x bufSize raster, with its
// peak wrapped to the origin for convolution in Fourier space.
// Also returns the compact PSF and its odd edge length
func (e *Evaluator) Kernel(cx, cy float64, bufSize int) (kernel, psf []float64, size int, err error) {
	size, _ = e.Size(ParityOdd)
	if size > bufSize {
		return nil, nil, 0, fmt.Errorf("%w: PSF size %d exceeds buffer size %d", ErrShape, size, bufSize)
	}
	native := e.Model.Eval(nil, cx+1, cy+1, e.UseSingle)
	psf = e.finish(zoom(native, e.Model.Size, size))

	centered := make([]float64, bufSize*bufSize)
	h, c := size/2, bufSize/2
	for y := 0; y < size; y++ {
		copy(centered[(c-h+y)*bufSize+c-h:], psf[y*size:(y+1)*size])
	}
	kernel = make([]float64, bufSize*bufSize)
	fft.IfftShift(kernel, centered, bufSize)
	return kernel, psf, size, nil
}

// PSF rasters for a source at FITS 1-based image coordinates x, y
type Stamp struct {
	Shifted   []float64 // PSF moved to the sub-pixel source position
	Unshifted []float64 // PSF centered on the raster
	Size      int       // Edge length
	DX, DY    float64   // Applied sub-pixel shift in image pixels
}

// Renders shifted and unshifted PSF stamps at FITS 1-based image coordinates x, y.
// If the model is sampled finer than the image, the shift is applied before resampling
func (e *Evaluator) AtCoords(x, y float64, parity Parity) *Stamp {
	size, samp := e.Size(parity)
	native := e.Model.Eval(nil, math.Trunc(x), math.Trunc(y), e.UseSingle)

	st := &Stamp{Size: size}
	if parity == ParityOdd {
		st.DX, st.DY = x-math.Round(x), y-math.Round(y)
	} else {
		st.DX, st.DY = x-math.Floor(x)-0.5, y-math.Floor(y)-0.5
	}

	n := e.Model.Size
	if samp < 1 && size > 1 {
		toNative := float64(n-1) / float64(size-1)
		st.Shifted = zoom(e.shift(native, n, st.DX*toNative, st.DY*toNative), n, size)
		st.Unshifted = zoom(native, n, size)
	} else {
		st.Unshifted = zoom(native, n, size)
		st.Shifted = e.shift(st.Unshifted, size, st.DX, st.DY)
	}
	e.finish(st.Shifted)
	e.finish(st.Unshifted)
	return st
}

func (e *Evaluator) shift(data []float64, n int, dx, dy float64) []float64 {
	if e.Shift == ShiftFourier {
		return shiftFourier(data, n, dx, dy)
	}
	return shiftSpline(data, n, dx, dy)
}

// Shifts a square raster by dx, dy pixels using the Fourier shift theorem
func FourierShift(data []float64, n int, dx, dy float64) []float64 {
	return shiftFourier(data, n, dx, dy)
}
