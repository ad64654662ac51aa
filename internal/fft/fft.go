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

// Package fft provides two-dimensional discrete Fourier transforms of square row-major rasters,
// plus the index shifts used to move kernels between centered and origin-wrapped layouts.
//
// A Plan owns its scratch memory and must not be shared between goroutines.
package fft

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// A transform plan and workspace for n x n rasters
type Plan struct {
	n   int
	fft *fourier.CmplxFFT
	col []complex128
}

// Creates a plan for n x n rasters
func NewPlan(n int) *Plan {
	return &Plan{
		n:   n,
		fft: fourier.NewCmplxFFT(n),
		col: make([]complex128, n),
	}
}

// Edge length of the rasters this plan transforms
func (p *Plan) Size() int { return p.n }

func (p *Plan) check(lens ...int) {
	for _, l:=range lens {
		if l!=p.n*p.n { panic(fmt.Sprintf("fft: raster length %d does not match plan size %dx%d", l, p.n, p.n)) }
	}
}

// Forward transform of a real raster. Allocates dst if nil
func (p *Plan) Forward(dst []complex128, src []float64) []complex128 {
	if dst==nil { dst=make([]complex128, len(src)) }
	p.check(len(dst), len(src))
	for i, v:=range src { dst[i]=complex(v, 0) }
	p.transform(dst, false)
	return dst
}

// Forward transform of a complex raster, in place
func (p *Plan) ForwardComplex(data []complex128) {
	p.check(len(data))
	p.transform(data, false)
}

// Normalized inverse transform, in place
func (p *Plan) Inverse(data []complex128) {
	p.check(len(data))
	p.transform(data, true)
	scale:=1/float64(p.n*p.n)
	for i, v:=range data {
		data[i]=complex(real(v)*scale, imag(v)*scale)
	}
}

// Normalized inverse transform, returning the real part. The input is overwritten.
// Allocates dst if nil
func (p *Plan) InverseReal(dst []float64, data []complex128) []float64 {
	if dst==nil { dst=make([]float64, len(data)) }
	p.Inverse(data)
	for i, v:=range data { dst[i]=real(v) }
	return dst
}

// Separable transform: rows first, then columns
func (p *Plan) transform(data []complex128, inverse bool) {
	n:=p.n
	for y:=0; y<n; y++ {
		row:=data[y*n:(y+1)*n]
		if inverse {
			p.fft.Sequence(row, row)
		} else {
			p.fft.Coefficients(row, row)
		}
	}
	for x:=0; x<n; x++ {
		for y:=0; y<n; y++ { p.col[y]=data[y*n+x] }
		if inverse {
			p.fft.Sequence(p.col, p.col)
		} else {
			p.fft.Coefficients(p.col, p.col)
		}
		for y:=0; y<n; y++ { data[y*n+x]=p.col[y] }
	}
}

// Cyclically shifts an n x n raster, such that dst[(y+dy) mod n][(x+dx) mod n] = src[y][x].
// Source and destination must not overlap
func Roll(dst, src []float64, n, dy, dx int) {
	dy, dx=((dy%n)+n)%n, ((dx%n)+n)%n
	for y:=0; y<n; y++ {
		ty:=(y+dy)%n
		for x:=0; x<n; x++ {
			dst[ty*n+(x+dx)%n]=src[y*n+x]
		}
	}
}

// Moves the center pixel n/2,n/2 of a raster to the origin
func IfftShift(dst, src []float64, n int) { Roll(dst, src, n, -(n/2), -(n/2)) }

// Moves the origin of a raster to the center pixel n/2,n/2
func FftShift(dst, src []float64, n int) { Roll(dst, src, n, n/2, n/2) }

// Integer frequency indices in transform order: 0, 1, ..., ceil(n/2)-1, -floor(n/2), ..., -1
func Frequencies(n int) []float64 {
	res:=make([]float64, n)
	for i:=range res {
		if i<(n+1)/2 {
			res[i]=float64(i)
		} else {
			res[i]=float64(i-n)
		}
	}
	return res
}
