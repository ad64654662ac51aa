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

package fft

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
)

func TestRoundTrip(t *testing.T) {
	rng:=fastrand.RNG{}
	rng.Seed(3)
	for _, n:=range []int{2, 8, 15, 64} {
		p:=NewPlan(n)
		src:=make([]float64, n*n)
		for i:=range src { src[i]=float64(rng.Uint32n(10000))/100-50 }

		c:=p.Forward(nil, src)
		back:=p.InverseReal(nil, c)
		require.Len(t, back, len(src))
		for i:=range src {
			assert.InDelta(t, src[i], back[i], 1e-9, "n=%d i=%d", n, i)
		}
	}
}

func TestDeltaHasFlatSpectrum(t *testing.T) {
	n:=16
	p:=NewPlan(n)
	src:=make([]float64, n*n)
	src[0]=1
	c:=p.Forward(nil, src)
	for i, v:=range c {
		assert.InDelta(t, 1, real(v), 1e-12, "bin %d", i)
		assert.InDelta(t, 0, imag(v), 1e-12, "bin %d", i)
	}
}

func TestShiftedDeltaPhase(t *testing.T) {
	n:=8
	p:=NewPlan(n)
	src:=make([]float64, n*n)
	src[1]=1 // x=1, y=0
	c:=p.Forward(nil, src)
	for i, v:=range c {
		assert.InDelta(t, 1, cmplx.Abs(v), 1e-12, "bin %d", i)
	}
	// bin k along x carries phase exp(-2 pi i k/n)
	assert.InDelta(t, 0, real(c[2]), 1e-12)
	assert.InDelta(t, -1, imag(c[2]), 1e-12)
}

func TestRollAndShifts(t *testing.T) {
	n:=4
	src:=make([]float64, n*n)
	for i:=range src { src[i]=float64(i) }
	dst:=make([]float64, n*n)
	Roll(dst, src, n, 1, 0)
	assert.Equal(t, []float64{12, 13, 14, 15}, dst[:4])
	assert.Equal(t, []float64{0, 1, 2, 3}, dst[4:8])

	Roll(dst, src, n, 0, -1)
	assert.Equal(t, []float64{1, 2, 3, 0}, dst[:4])

	centered:=make([]float64, n*n)
	centered[2*n+2]=1
	IfftShift(dst, centered, n)
	assert.Equal(t, 1.0, dst[0])
	back:=make([]float64, n*n)
	FftShift(back, dst, n)
	assert.Equal(t, centered, back)
}

func TestFrequencies(t *testing.T) {
	assert.Equal(t, []float64{0, 1, 2, -2, -1}, Frequencies(5))
	assert.Equal(t, []float64{0, 1, -2, -1}, Frequencies(4))
}
