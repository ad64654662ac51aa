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

// Package phot measures optimal and PSF-fitted fluxes of sources at given image coordinates.
package phot

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/mlnoga/zogy/internal/optflux"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/star"
)

var ErrInput = errors.New("invalid photometry input")

// Photometry settings
type Options struct {
	Parity     psf.Parity
	Flux       optflux.Options // Mask and Width are set per source
	Saturation float64         // pixel values at or above are saturated, 0=off
	Fit        bool            // also fit position and flux of the PSF
}

// An image in electrons with its sky level
type Image struct {
	Data      []float64
	Sky       []float64
	Width     int
	ReadNoise float64
}

func (img *Image) Height() int { return len(img.Data) / img.Width }

// Photometry of one source
type Source struct {
	Star      star.Star
	OnFrame   bool    // false if the position is outside the image, all other fields are zero
	Flux      float64 // optimal flux, electrons
	FluxErr   float64
	Coverage  float64 // fraction of the PSF footprint on the image
	Saturated int     // saturated pixels, replaced by the PSF model
	Rejected  int
	Fit       *Fit // nil unless fitting is enabled
}

// Result of a PSF fit
type Fit struct {
	Flux, FluxErr float64
	DX, DY        float64 // sub-pixel shift of the PSF, within +-MaxShift
	Chi2Red       float64
}

// Limit of fitted PSF shifts in pixels
const MaxShift = 2.0

// Measures the optimal flux at the FITS 1-based positions of the given stars. Saturated pixels
// are replaced with the PSF model scaled to the measured flux and the flux is solved once more.
// Returns the per-source results and a copy of the data with saturated footprints replaced
func AtCoords(ev *psf.Evaluator, img *Image, coords []star.Star, opt Options, logWriter io.Writer) ([]Source, []float64, error) {
	if img.Width <= 0 || len(img.Data)%img.Width != 0 || len(img.Sky) != len(img.Data) {
		return nil, nil, fmt.Errorf("%w: %d data and %d sky pixels for width %d", ErrInput, len(img.Data), len(img.Sky), img.Width)
	}
	replaced := append([]float64(nil), img.Data...)
	res := make([]Source, len(coords))
	offFrame, saturated, fitErrors := 0, 0, 0
	for i, s := range coords {
		res[i].Star = s
		src, err := measure(ev, img, replaced, s.X, s.Y, opt)
		if src == nil {
			offFrame++
			continue
		}
		src.Star = s
		res[i] = *src
		if src.Saturated > 0 {
			saturated++
		}
		if err != nil {
			fmt.Fprintf(logWriter, "Warning: PSF fit of source %d at %.2f,%.2f failed: %v\n", s.Number, s.X, s.Y, err)
			fitErrors++
		}
	}
	fmt.Fprintf(logWriter, "Measured %d sources, %d off the image, %d with saturated pixels, %d failed fits\n",
		len(coords)-offFrame, offFrame, saturated, fitErrors)
	return res, replaced, nil
}

// Pixel containing the position, the stamp origin in the frame, and the footprint
// clipped to the frame with the same parity as the stamp
func footprint(x, y float64, size, width, height int, parity psf.Parity) (pos, origin image.Point, fp image.Rectangle) {
	if parity == psf.ParityOdd {
		pos = image.Pt(int(math.Floor(x-0.5)), int(math.Floor(y-0.5)))
	} else {
		pos = image.Pt(int(math.Floor(x)), int(math.Floor(y)))
	}
	h := size / 2
	origin = pos.Sub(image.Pt(h, h))
	fp = image.Rectangle{origin, origin.Add(image.Pt(size, size))}.Intersect(image.Rect(0, 0, width, height))
	if fp.Empty() {
		return pos, origin, fp
	}
	fp.Min.X, fp.Max.X = fixParity(fp.Min.X, fp.Max.X, size)
	fp.Min.Y, fp.Max.Y = fixParity(fp.Min.Y, fp.Max.Y, size)
	return pos, origin, fp
}

// Trims one pixel from the open side of a clipped range whose length parity differs from size
func fixParity(lo, hi, size int) (int, int) {
	if (hi-lo)%2 == size%2 || hi-lo <= 1 {
		return lo, hi
	}
	if lo == 0 {
		return lo, hi - 1
	}
	return lo + 1, hi
}

func measure(ev *psf.Evaluator, img *Image, replaced []float64, x, y float64, opt Options) (*Source, error) {
	width, height := img.Width, img.Height()
	st := ev.AtCoords(x, y, opt.Parity)
	size := st.Size
	pos, origin, fp := footprint(x, y, size, width, height, opt.Parity)
	if !pos.In(image.Rect(0, 0, width, height)) || fp.Empty() {
		return nil, nil
	}

	// full stamp windows, pixels outside the footprint are masked
	n := size * size
	d, sky := make([]float64, n), make([]float64, n)
	valid, nonsat := make([]bool, n), make([]bool, n)
	src := &Source{OnFrame: true}
	for sy := 0; sy < size; sy++ {
		for sx := 0; sx < size; sx++ {
			p := origin.Add(image.Pt(sx, sy))
			if !p.In(fp) {
				continue
			}
			i, j := sy*size+sx, p.Y*width+p.X
			d[i], sky[i], valid[i] = img.Data[j], img.Sky[j], true
			src.Coverage += st.Shifted[i]
			nonsat[i] = opt.Saturation <= 0 || d[i] < opt.Saturation
			if !nonsat[i] {
				src.Saturated++
			}
		}
	}

	fo := opt.Flux
	fo.Unshifted, fo.Width, fo.Mask = st.Unshifted, size, nonsat
	r := optflux.Flux(st.Shifted, d, optflux.Raster(sky), img.ReadNoise, fo)

	var fitErr error
	if opt.Fit {
		src.Fit, fitErr = FitPSF(st.Unshifted, size, d, optflux.Raster(sky), img.ReadNoise, nonsat, r.Flux, st.DX, st.DY)
	}

	if src.Saturated > 0 {
		for i := range d {
			if valid[i] && !nonsat[i] {
				d[i] = st.Shifted[i]*r.Flux + sky[i]
			}
		}
		fo.Mask = valid
		r = optflux.Flux(st.Shifted, d, optflux.Raster(sky), img.ReadNoise, fo)
		for i := range d {
			if r.Mask[i] {
				p := origin.Add(image.Pt(i%size, i/size))
				replaced[p.Y*width+p.X] = st.Shifted[i]*r.Flux + sky[i]
			}
		}
	}
	src.Flux, src.FluxErr, src.Rejected = r.Flux, r.FluxErr, r.Rejected
	return src, fitErr
}

// Fits flux and sub-pixel position of the unshifted PSF p of edge length size to the data,
// starting from the given flux and shift. Shifts are applied in Fourier space and bounded to
// +-MaxShift pixels. Pixels where mask is false are ignored; a nil mask uses all pixels
func FitPSF(p []float64, size int, d []float64, sky optflux.Sky, ron float64, mask []bool, flux0, dx0, dy0 float64) (*Fit, error) {
	n := size * size
	if len(p) != n || len(d) != n || (mask != nil && len(mask) != n) {
		return nil, fmt.Errorf("%w: %d psf, %d data pixels for size %d", ErrInput, len(p), len(d), size)
	}
	data := make([]float64, n)
	errs := make([]float64, n)
	used := 0
	for i, v := range d {
		if v < 0 {
			v = sky.At(i)
		}
		data[i] = v
		errs[i] = math.Sqrt(ron*ron + v)
		if (mask == nil || mask[i]) && errs[i] > 0 {
			used++
		} else {
			errs[i] = 0
		}
	}
	if used == 0 {
		return nil, fmt.Errorf("%w: no pixels to fit", ErrInput)
	}

	// shifts are optimized in an unbounded tanh parametrization, flux relative to its start value
	scale := math.Abs(flux0)
	if scale == 0 {
		scale = 1
	}
	toShift := func(u float64) float64 { return MaxShift * math.Tanh(u) }
	fromShift := func(s float64) float64 { return math.Atanh(math.Max(-0.99, math.Min(0.99, s/MaxShift))) }
	chi2 := func(x []float64) float64 {
		model := psf.FourierShift(p, size, toShift(x[0]), toShift(x[1]))
		sum := 0.0
		for i, e := range errs {
			if e == 0 {
				continue
			}
			r := (data[i] - sky.At(i) - scale*x[2]*model[i]) / e
			sum += r * r
		}
		return sum
	}

	x0 := []float64{fromShift(dx0), fromShift(dy0), flux0 / scale}
	result, err := optimize.Minimize(optimize.Problem{Func: chi2}, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, err
	}

	fit := &Fit{Flux: scale * result.X[2], DX: toShift(result.X[0]), DY: toShift(result.X[1])}
	model := psf.FourierShift(p, size, fit.DX, fit.DY)
	info := 0.0
	for i, e := range errs {
		if e > 0 {
			info += model[i] * model[i] / (e * e)
		}
	}
	if info > 0 {
		fit.FluxErr = 1 / math.Sqrt(info)
	}
	fit.Chi2Red = chi2(result.X) / float64(used)
	return fit, nil
}
