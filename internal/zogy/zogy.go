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

// Package zogy implements the proper image subtraction statistic of Zackay, Ofek and Gal-Yam (2016)
// for a single square tile, in the frequency domain.
package zogy

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mlnoga/zogy/internal/fft"
	"github.com/mlnoga/zogy/internal/stats"
)

var (
	ErrShape      = errors.New("raster shape mismatch")
	ErrDegenerate = errors.New("degenerate noise or flux parameters")
)

// Inputs for one tile. All rasters are Size x Size, row-major. PSFs are unit-sum
// and wrapped such that their peak lies at the origin
type Input struct {
	N, R   []float64 // Background-subtracted new and reference images
	Pn, Pr []float64 // New and reference PSFs
	Vn, Vr []float64 // Per-pixel variance of new and reference images
	Size   int
	SN, SR float64 // Background standard deviations
	FN, FR float64 // Flux normalization factors
	DX, DY float64 // Astrometric registration uncertainty in pixels
}

// Outputs for one tile, Size x Size each
type Output struct {
	D       []float64 // Difference image
	S       []float64 // Significance map
	Scorr   []float64 // Significance corrected for source noise and astrometric errors
	Fpsf    []float64 // PSF flux
	FpsfErr []float64 // PSF flux error, from photon noise only

	FD               float64 // Flux zero point of the difference image
	FS               float64 // Flux calibration constant of S
	ZeroDenominators int     // Frequency bins with a zero denominator, left at zero
	NonFinite        int     // Non-finite output pixels
}

func (in *Input) check() error {
	n := in.Size * in.Size
	if in.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrShape, in.Size)
	}
	for _, r := range []struct {
		name string
		data []float64
	}{{"N", in.N}, {"R", in.R}, {"Pn", in.Pn}, {"Pr", in.Pr}, {"Vn", in.Vn}, {"Vr", in.Vr}} {
		if len(r.data) != n {
			return fmt.Errorf("%w: %s has %d pixels, expected %dx%d", ErrShape, r.name, len(r.data), in.Size, in.Size)
		}
	}
	if !(in.SN >= 0 && in.SR >= 0 && in.FN > 0 && in.FR > 0) || in.SN*in.FR == 0 && in.SR*in.FN == 0 {
		return fmt.Errorf("%w: sn %g sr %g fn %g fr %g", ErrDegenerate, in.SN, in.SR, in.FN, in.FR)
	}
	return nil
}

// Computes difference, significance and PSF flux images for one tile.
// The plan must match the tile size and is used exclusively by this call
func Subtract(in Input, plan *fft.Plan) (*Output, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	if plan.Size() != in.Size {
		return nil, fmt.Errorf("%w: plan size %d for tile size %d", ErrShape, plan.Size(), in.Size)
	}
	n := in.Size * in.Size
	npix := float64(n)

	rHat := plan.Forward(nil, in.R)
	nHat := plan.Forward(nil, in.N)
	pnHat := plan.Forward(nil, in.Pn)
	prHat := plan.Forward(nil, in.Pr)

	sn2, sr2 := in.SN*in.SN, in.SR*in.SR
	fn, fr := in.FN, in.FR
	fn2, fr2 := fn*fn, fr*fr
	fD := fr * fn / math.Sqrt(sn2*fr2+sr2*fn2)
	out := &Output{FD: fD}

	dHat := make([]complex128, n)
	sHat := make([]complex128, n)
	knHat := make([]complex128, n)
	krHat := make([]complex128, n)
	for i := 0; i < n; i++ {
		pn, pr := pnHat[i], prHat[i]
		pn2 := real(pn)*real(pn) + imag(pn)*imag(pn)
		pr2 := real(pr)*real(pr) + imag(pr)*imag(pr)
		den := sn2*fr2*pr2 + sr2*fn2*pn2
		if den == 0 {
			out.ZeroDenominators++
			continue
		}
		sq := complex(math.Sqrt(den), 0)
		d := (complex(fr, 0)*pr*nHat[i] - complex(fn, 0)*pn*rHat[i]) / sq
		pd := complex(fr*fn/fD, 0) * pr * pn / sq
		dHat[i] = d
		sHat[i] = complex(fD, 0) * d * cmplx.Conj(pd)
		krHat[i] = complex(fr*fn2*pn2/den, 0) * cmplx.Conj(pr)
		knHat[i] = complex(fn*fr2*pr2/den, 0) * cmplx.Conj(pn)
		out.FS += fn2 * pn2 * fr2 * pr2 / den
	}
	out.FS /= npix

	out.D = plan.InverseReal(nil, dHat)
	for i := range out.D {
		out.D[i] /= fD
	}
	out.S = plan.InverseReal(nil, sHat)

	// kernel-filtered images for the astrometric term, reusing the image spectra
	for i := range nHat {
		nHat[i] *= knHat[i]
		rHat[i] *= krHat[i]
	}
	sn := plan.InverseReal(nil, nHat)
	sr := plan.InverseReal(nil, rHat)
	kn := plan.InverseReal(nil, knHat)
	kr := plan.InverseReal(nil, krHat)

	vsn := convolveSquared(plan, in.Vn, kn, nHat, knHat)
	vsr := convolveSquared(plan, in.Vr, kr, rHat, krHat)

	vAst := make([]float64, n)
	if in.DX != 0 || in.DY != 0 {
		astrometricVariance(vAst, sn, in.Size, in.DX, in.DY)
		astrometricVariance(vAst, sr, in.Size, in.DX, in.DY)
	}

	out.Scorr = make([]float64, n)
	out.Fpsf = make([]float64, n)
	out.FpsfErr = make([]float64, n)
	for i := 0; i < n; i++ {
		vS := vsn[i] + vsr[i]
		v := vS + vAst[i]
		s := out.S[i]
		out.Scorr[i] = s
		if v > 0 {
			out.Scorr[i] = s / math.Sqrt(v)
		}
		out.Fpsf[i] = s / out.FS
		if vS >= 0 {
			out.FpsfErr[i] = math.Sqrt(vS) / out.FS
		}
	}
	for _, r := range [][]float64{out.D, out.S, out.Scorr, out.Fpsf, out.FpsfErr} {
		out.NonFinite += countNonFinite(r)
	}
	return out, nil
}

// Convolves v with the square of kernel k, using the two scratch spectra provided
func convolveSquared(plan *fft.Plan, v, k []float64, vHat, kHat []complex128) []float64 {
	plan.Forward(vHat, v)
	for i, x := range k {
		kHat[i] = complex(x*x, 0)
	}
	plan.ForwardComplex(kHat)
	for i := range vHat {
		vHat[i] *= kHat[i]
	}
	return plan.InverseReal(nil, vHat)
}

// Adds dx^2 (dS/dx)^2 + dy^2 (dS/dy)^2 with cyclic backward differences to dst
func astrometricVariance(dst, s []float64, size int, dx, dy float64) {
	dx2, dy2 := dx*dx, dy*dy
	for y := 0; y < size; y++ {
		ym := (y + size - 1) % size
		for x := 0; x < size; x++ {
			xm := (x + size - 1) % size
			i := y*size + x
			ddx := s[i] - s[y*size+xm]
			ddy := s[i] - s[ym*size+x]
			dst[i] += dx2*ddx*ddx + dy2*ddy*ddy
		}
	}
}

func countNonFinite(data []float64) (n int) {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			n++
		}
	}
	return n
}

// Output of the simplified subtraction with unit flux factors and no variance maps
type BinaryOutput struct {
	S  []float64 // Significance, normalized by its sampled standard deviation
	D  []float64 // Difference image, normalized by its sampled standard deviation
	PD []float64 // Unit-sum difference image PSF
}

// Simplified subtraction with unit flux factors and no variance propagation.
// S and D are scaled by their standard deviations sampled every 30 pixels from offset 15
func SubtractBinary(r, n, pr, pn []float64, size int, sr, sn float64, plan *fft.Plan) (*BinaryOutput, error) {
	in := Input{N: n, R: r, Pn: pn, Pr: pr, Vn: n, Vr: r, Size: size, SN: sn, SR: sr, FN: 1, FR: 1}
	if err := in.check(); err != nil {
		return nil, err
	}
	if plan.Size() != size {
		return nil, fmt.Errorf("%w: plan size %d for tile size %d", ErrShape, plan.Size(), size)
	}

	rHat := plan.Forward(nil, r)
	nHat := plan.Forward(nil, n)
	pnHat := plan.Forward(nil, pn)
	prHat := plan.Forward(nil, pr)
	sn2, sr2 := sn*sn, sr*sr
	gHat := make([]complex128, len(rHat))
	pgHat := make([]complex128, len(rHat))
	sHat := make([]complex128, len(rHat))
	for i := range rHat {
		pnv, prv := pnHat[i], prHat[i]
		den := sr2*(real(pnv)*real(pnv)+imag(pnv)*imag(pnv)) + sn2*(real(prv)*real(prv)+imag(prv)*imag(prv))
		if den == 0 {
			continue
		}
		sq := complex(math.Sqrt(den), 0)
		gHat[i] = (prv*nHat[i] - pnv*rHat[i]) / sq
		pgHat[i] = prv * pnv / sq
		sHat[i] = gHat[i] * cmplx.Conj(pgHat[i])
	}

	res := &BinaryOutput{
		S:  plan.InverseReal(nil, sHat),
		D:  plan.InverseReal(nil, gHat),
		PD: plan.InverseReal(nil, pgHat),
	}
	scaleBySampledStd(res.S, size)
	scaleBySampledStd(res.D, size)
	sum := 0.0
	for _, v := range res.PD {
		sum += v
	}
	if sum != 0 {
		for i := range res.PD {
			res.PD[i] /= sum
		}
	}
	return res, nil
}

func scaleBySampledStd(data []float64, size int) {
	start, step := 15, 30
	if size <= start {
		start, step = 0, 1
	}
	var sample []float64
	for y := start; y < size; y += step {
		for x := start; x < size; x += step {
			sample = append(sample, data[y*size+x])
		}
	}
	_, std := stats.MeanStdDev(sample)
	if std == 0 || math.IsNaN(std) {
		return
	}
	for i := range data {
		data[i] /= std
	}
}
