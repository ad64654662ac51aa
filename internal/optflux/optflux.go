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

// Package optflux implements PSF-weighted optimal photometry of point sources, following
// Horne 1986 (PASP 98, 609), Naylor 1998 (MNRAS 296, 339) and Zackay & Ofek 2017 (ApJ 836, 187).
//
// All inputs are in electrons. Rasters are flat slices of equal length; the sky may be a scalar
// or a raster.
package optflux

import (
	"math"

	"github.com/mlnoga/zogy/internal/qsort"
)

// A sky background, either constant or per pixel
type Sky interface {
	At(i int) float64
}

// Constant sky level
type Scalar float64

func (s Scalar) At(int) float64 { return float64(s) }

// Per-pixel sky level
type Raster []float64

func (r Raster) At(i int) float64 { return r[i] }

// Settings for the iterative optimal flux estimator
type Options struct {
	NSigma   float64 // pixels with squared normalized residuals above NSigma^2 are rejected after convergence
	MaxIters int
	Epsilon  float64 // relative flux change for convergence

	Mask      []bool    // optional, true for pixels to use. Not modified
	Unshifted []float64 // optional unshifted PSF. If given, weights use it instead of the shifted PSF

	// Astrometric variance of the data, from first differences weighted by the squared
	// registration uncertainties. Width is the raster line width
	AstroVariance bool
	DX2, DY2, DXY float64
	Width         int
}

// Default settings: 10 iterations, relative epsilon 1e-3, rejection effectively off
func DefaultOptions() Options {
	return Options{NSigma: 10000, MaxIters: 10, Epsilon: 1e-3}
}

// Result of an optimal flux measurement
type Result struct {
	Flux       float64
	FluxErr    float64
	Iterations int    // iterations until convergence or the limit
	Mask       []bool // pixels used in the final solution
	Rejected   int    // pixels rejected as discrepant after convergence
}

// Calculates the optimal flux of a point source with PSF p (unit sum) in data d by iteratively
// reweighted least squares. Negative data values are replaced with the sky. The inputs are not modified.
func Flux(p, d []float64, sky Sky, ron float64, opt Options) Result {
	n:=len(p)
	data:=make([]float64, n)
	for i, v:=range d[:n] {
		if v<0 { v=sky.At(i) }
		data[i]=v
	}

	var vAst []float64
	if opt.AstroVariance && opt.Width>0 {
		vAst=astrometricVariance(data, opt.Width, opt.DX2, opt.DY2, opt.DXY)
	}

	mask:=make([]bool, n)
	for i:=range mask { mask[i]=opt.Mask==nil || opt.Mask[i] }

	weights:=p
	if opt.Unshifted!=nil { weights=opt.Unshifted }

	ron2:=ron*ron
	v:=make([]float64, n)
	res:=Result{Mask: mask}
	fluxOld:=math.Inf(1)
	for i:=0; i<opt.MaxIters; i++ {
		for j:=range v {
			if i==0 {
				v[j]=ron2+data[j]
			} else {
				v[j]=ron2+sky.At(j)+res.Flux*p[j]
			}
			if vAst!=nil { v[j]+=vAst[j] }
		}
		res.Flux, res.FluxErr=weighted(weights, p, data, sky, v, mask)
		res.Iterations=i+1
		if converged(fluxOld, res.Flux, opt.Epsilon) { break }
		fluxOld=res.Flux
	}

	// reject discrepant pixels against the converged model, and solve once more without them
	for j:=range v {
		v[j]=ron2+sky.At(j)+res.Flux*p[j]
		if vAst!=nil { v[j]+=vAst[j] }
	}
	threshold:=opt.NSigma*opt.NSigma
	for j:=range data {
		if !mask[j] || v[j]<=0 { continue }
		r:=data[j]-res.Flux*p[j]-sky.At(j)
		if r*r/v[j]>threshold {
			mask[j]=false
			res.Rejected++
		}
	}
	if res.Rejected>0 {
		res.Flux, res.FluxErr=weighted(weights, p, data, sky, v, mask)
	}
	return res
}

func converged(old, flux, epsilon float64) bool {
	if flux==0 { return old==0 }
	return math.Abs(old-flux)/math.Abs(flux)<epsilon
}

// Weighted estimator with weights w, skipping masked pixels and pixels without positive variance
func weighted(w, p, d []float64, sky Sky, v []float64, mask []bool) (flux, fluxErr float64) {
	num, den:=0.0, 0.0
	for i:=range p {
		if (mask!=nil && !mask[i]) || !(v[i]>0) { continue }
		num+=w[i]*(d[i]-sky.At(i))/v[i]
		den+=w[i]*p[i]/v[i]
	}
	if den<=0 { return 0, math.Inf(1) }
	return num/den, 1/math.Sqrt(den)
}

// Optimal flux and error for known variance, Horne 1986 Eqs. 8 and 9
func Horne(p, d []float64, sky Sky, v []float64) (flux, fluxErr float64) {
	return weighted(p, p, d, sky, v, nil)
}

// Optimal flux and error weighted by the unshifted PSF, Zackay & Ofek 2017 Eqs. 36 and 37
func ZackayOfek(p, pUnshifted, d []float64, sky Sky, v []float64) (flux, fluxErr float64) {
	return weighted(pUnshifted, p, d, sky, v, nil)
}

// Optimal flux and error using the weights of Naylor 1998 Eqs. 8, 10 and 11
func Naylor(p, d []float64, sky Sky, v []float64) (flux, fluxErr float64) {
	den:=0.0
	for i:=range p {
		if v[i]>0 { den+=p[i]*p[i]/v[i] }
	}
	if den<=0 { return 0, math.Inf(1) }
	sumWD, sumW2V:=0.0, 0.0
	for i:=range p {
		if !(v[i]>0) { continue }
		w:=p[i]/v[i]/den
		sumWD +=w*(d[i]-sky.At(i))
		sumW2V+=w*w*v[i]
	}
	return sumWD, math.Sqrt(sumW2V)
}

// Signal-to-noise ratio of a point source, Zackay & Ofek 2017 Eq. 51
func SNRZackayOfek(p, d []float64, sky Sky, ron float64) float64 {
	t0:=0.0
	for i:=range d { t0+=d[i]-sky.At(i) }
	sum:=0.0
	for i:=range p {
		v:=d[i]+ron*ron
		if v>0 { sum+=(t0*p[i])*(t0*p[i])/v }
	}
	return math.Sqrt(sum)
}

// Returns the total flux a point source with PSF p needs to be measured with the given
// signal-to-noise ratio on top of the given sky, together with its flux error.
// The initial guess follows Naylor 1998 Eq. 13 for the given FWHM.
func FluxForSNR(p []float64, sky Sky, ron, s2n, fwhm float64, maxIters int, epsilon float64) (flux, fluxErr float64) {
	n:=len(p)
	ron2:=ron*ron
	v:=make([]float64, n)
	d:=make([]float64, n)
	for i:=0; i<maxIters; i++ {
		if i==0 {
			for j:=range v { v[j]=ron2+sky.At(j) }
			med:=qsort.MedianFloat64(v)
			flux=s2n*fwhm*math.Sqrt(med)/math.Sqrt(2*math.Ln2/math.Pi)
		} else {
			flux=s2n*fluxErr
			for j:=range v { v[j]=ron2+sky.At(j)+flux*p[j] }
		}
		for j:=range d { d[j]=sky.At(j)+flux*p[j] }
		flux, fluxErr=Horne(p, d, sky, v)
		if math.Abs(flux/fluxErr-s2n)/s2n<epsilon { break }
	}
	return flux, fluxErr
}

// Per-pixel variance from registration uncertainties, via cyclic first differences along
// rows, columns and the diagonal
func astrometricVariance(d []float64, width int, dx2, dy2, dxy float64) []float64 {
	height:=len(d)/width
	res:=make([]float64, len(d))
	for y:=0; y<height; y++ {
		ym:=(y-1+height)%height
		for x:=0; x<width; x++ {
			xm:=(x-1+width)%width
			i:=y*width+x
			ddy :=d[i]-d[ym*width+x]
			ddx :=d[i]-d[y*width+xm]
			ddxy:=d[i]-d[ym*width+xm]
			res[i]=dx2*ddx*ddx + dy2*ddy*ddy + dxy*ddxy*ddxy
		}
	}
	return res
}
