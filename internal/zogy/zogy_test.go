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

package zogy

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/zogy/internal/fft"
)

const size = 64

// Unit-sum gaussian with its peak wrapped to the origin
func wrappedGaussian(n int, sigma float64) []float64 {
	res := make([]float64, n*n)
	sum := 0.0
	for y := 0; y < n; y++ {
		dy := float64(y)
		if y > n/2 {
			dy -= float64(n)
		}
		for x := 0; x < n; x++ {
			dx := float64(x)
			if x > n/2 {
				dx -= float64(n)
			}
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			res[y*n+x] = v
			sum += v
		}
	}
	for i := range res {
		res[i] /= sum
	}
	return res
}

func noise(rng *fastrand.RNG, n int, sigma float64) []float64 {
	res := make([]float64, n)
	for i := 0; i < n; i += 2 {
		u1 := (float64(rng.Uint32()) + 1) / (float64(math.MaxUint32) + 2)
		u2 := float64(rng.Uint32()) / (float64(math.MaxUint32) + 1)
		r := sigma * math.Sqrt(-2*math.Log(u1))
		res[i] = r * math.Cos(2*math.Pi*u2)
		if i+1 < n {
			res[i+1] = r * math.Sin(2*math.Pi*u2)
		}
	}
	return res
}

func constant(n int, v float64) []float64 {
	res := make([]float64, n)
	for i := range res {
		res[i] = v
	}
	return res
}

func TestIdenticalInputsCancel(t *testing.T) {
	var rng fastrand.RNG
	rng.Seed(7)
	img := noise(&rng, size*size, 5)
	p := wrappedGaussian(size, 2)
	v := constant(size*size, 25)

	out, err := Subtract(Input{N: img, R: img, Pn: p, Pr: p, Vn: v, Vr: v, Size: size,
		SN: 5, SR: 5, FN: 1, FR: 1, DX: 0.1, DY: 0.1}, fft.NewPlan(size))
	require.NoError(t, err)
	assert.Zero(t, out.ZeroDenominators)
	assert.Zero(t, out.NonFinite)
	for i := range out.D {
		assert.InDelta(t, 0, out.D[i], 1e-9)
		assert.InDelta(t, 0, out.Scorr[i], 1e-9)
	}
}

func TestFakeStarRecovery(t *testing.T) {
	var rng fastrand.RNG
	rng.Seed(11)
	sigma, flux := 1.0, 1000.0
	p := wrappedGaussian(size, 2)
	ref := noise(&rng, size*size, sigma)

	star := make([]float64, size*size)
	fft.Roll(star, p, size, size/2, size/2)
	nw := make([]float64, size*size)
	for i := range nw {
		nw[i] = ref[i] + flux*star[i]
	}
	v := constant(size*size, sigma*sigma)

	in := Input{N: nw, R: ref, Pn: p, Pr: p, Vn: v, Vr: v, Size: size, SN: sigma, SR: sigma, FN: 1, FR: 1}
	out, err := Subtract(in, fft.NewPlan(size))
	require.NoError(t, err)

	c := size/2*size + size/2
	assert.InDelta(t, flux, out.Fpsf[c], 0.01*flux)
	assert.Greater(t, out.Scorr[c], 5.0)
	assert.Greater(t, out.FpsfErr[c], 0.0)

	best := 0
	for i, s := range out.Scorr {
		if s > out.Scorr[best] {
			best = i
		}
	}
	assert.Equal(t, c, best)

	// astrometric uncertainty lowers the corrected significance near the source only
	in.DX, in.DY = 0.5, 0.5
	ast, err := Subtract(in, fft.NewPlan(size))
	require.NoError(t, err)
	assert.Less(t, ast.Scorr[c], out.Scorr[c])
	assert.InDelta(t, out.Fpsf[c], ast.Fpsf[c], 1e-9)
	assert.InDelta(t, out.FpsfErr[c], ast.FpsfErr[c], 1e-9)
}

func TestFluxNormalizationScalesReference(t *testing.T) {
	p := wrappedGaussian(size, 1.5)
	img := make([]float64, size*size)
	fft.Roll(img, p, size, 20, 40)
	ref := make([]float64, size*size)
	for i := range img {
		img[i] *= 500
		ref[i] = img[i] / 2
	}
	v := constant(size*size, 1)

	// reference at half the flux scale of the new image cancels exactly
	out, err := Subtract(Input{N: img, R: ref, Pn: p, Pr: p, Vn: v, Vr: v, Size: size,
		SN: 1, SR: 1, FN: 1, FR: 0.5}, fft.NewPlan(size))
	require.NoError(t, err)
	for i := range out.D {
		assert.InDelta(t, 0, out.D[i], 1e-9)
	}
}

func TestZeroDenominatorsReported(t *testing.T) {
	z := make([]float64, size*size)
	v := constant(size*size, 1)
	out, err := Subtract(Input{N: v, R: v, Pn: z, Pr: z, Vn: v, Vr: v, Size: size,
		SN: 1, SR: 1, FN: 1, FR: 1}, fft.NewPlan(size))
	require.NoError(t, err)
	assert.Equal(t, size*size, out.ZeroDenominators)
	for i := range out.D {
		assert.Equal(t, 0.0, out.D[i])
		assert.Equal(t, 0.0, out.Scorr[i])
	}
}

func TestShapeErrors(t *testing.T) {
	p := wrappedGaussian(size, 2)
	v := constant(size*size, 1)
	_, err := Subtract(Input{N: v, R: v[:10], Pn: p, Pr: p, Vn: v, Vr: v, Size: size,
		SN: 1, SR: 1, FN: 1, FR: 1}, fft.NewPlan(size))
	assert.True(t, errors.Is(err, ErrShape))

	_, err = Subtract(Input{N: v, R: v, Pn: p, Pr: p, Vn: v, Vr: v, Size: size,
		SN: 1, SR: 1, FN: 1, FR: 1}, fft.NewPlan(32))
	assert.True(t, errors.Is(err, ErrShape))

	_, err = Subtract(Input{N: v, R: v, Pn: p, Pr: p, Vn: v, Vr: v, Size: size,
		SN: 0, SR: 0, FN: 1, FR: 1}, fft.NewPlan(size))
	assert.True(t, errors.Is(err, ErrDegenerate))
}

func TestSubtractBinary(t *testing.T) {
	var rng fastrand.RNG
	rng.Seed(3)
	p := wrappedGaussian(size, 2)
	ref := noise(&rng, size*size, 1)
	star := make([]float64, size*size)
	fft.Roll(star, p, size, size/2, size/2)
	nw := make([]float64, size*size)
	for i := range nw {
		nw[i] = ref[i] + 1000*star[i] + 0.5*noise(&rng, 1, 1)[0]
	}

	out, err := SubtractBinary(ref, nw, p, p, size, 1, 1, fft.NewPlan(size))
	require.NoError(t, err)
	best := 0
	for i, s := range out.S {
		if s > out.S[best] {
			best = i
		}
	}
	assert.Equal(t, size/2*size+size/2, best)

	sum := 0.0
	for _, v := range out.PD {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-9)
}
