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

package subtract

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"

	"github.com/mlnoga/zogy/internal/config"
	"github.com/mlnoga/zogy/internal/ops"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/zogy"
)

const (
	width, height = 128, 128
	sky           = 100.0
	ron           = 3.0
)

func gaussianModel(size int, sigma float64) *psf.Model {
	basis:=make([]float64, size*size)
	c:=float64(size/2)
	for y:=0; y<size; y++ {
		for x:=0; x<size; x++ {
			dx, dy:=float64(x)-c, float64(y)-c
			basis[y*size+x]=math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
		}
	}
	return &psf.Model{PolScale: [2]float64{1, 1}, FWHM: 2.3548*sigma, Sampling: 1, Size: size, NCoeff: 1, Basis: basis}
}

func noiseFrame(id int, seed uint32) *Frame {
	var rng fastrand.RNG
	rng.Seed(seed)
	sigma:=math.Sqrt(sky+ron*ron)
	data:=make([]float32, width*height)
	for i:=range data {
		u1:=(float64(rng.Uint32())+1)/(float64(math.MaxUint32)+2)
		u2:=float64(rng.Uint32())/(float64(math.MaxUint32)+1)
		data[i]=float32(sky+sigma*math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2))
	}
	return &Frame{ID: id, Data: data, Width: width, Height: height, ReadNoise: ron,
		PSF: &psf.Evaluator{Model: gaussianModel(15, 1.5)}}
}

func testConfig() *config.Config {
	cfg:=config.Default()
	cfg.Tile.Size, cfg.Tile.Border=64, 16
	cfg.Background.BoxSize, cfg.Background.FilterSize=32, 3
	cfg.FakeStars.Count=0
	return cfg
}

func testContext() *ops.Context {
	return &ops.Context{Log: io.Discard, MemoryMB: 1024, MaxThreads: 2}
}

func TestIdenticalFramesCancel(t *testing.T) {
	f:=noiseFrame(1, 5)
	g:=noiseFrame(2, 5)
	res, err:=Run(context.Background(), testContext(), testConfig(), f, g, nil)
	require.NoError(t, err)
	require.Len(t, res.D, width*height)

	for i:=range res.D {
		require.InDelta(t, 0, res.D[i], 1e-6, "pixel %d", i)
		require.InDelta(t, 0, res.Scorr[i], 1e-6, "pixel %d", i)
	}
	assert.Empty(t, res.Transients)
	assert.Empty(t, res.FakeStars)
}

func TestFakeStarRecovered(t *testing.T) {
	cfg:=testConfig()
	cfg.FakeStars.Count, cfg.FakeStars.SNR=1, 50
	res, err:=Run(context.Background(), testContext(), cfg, noiseFrame(1, 11), noiseFrame(2, 12), nil)
	require.NoError(t, err)
	require.Len(t, res.FakeStars, 4)

	for _, f:=range res.FakeStars {
		assert.Greater(t, f.Flux, 0.0)
		assert.InEpsilon(t, f.Flux, f.FluxOut, 0.15, "tile %d", f.Tile)
		assert.Greater(t, f.FluxErrOut, 0.0)
		assert.Greater(t, f.SNROut, 10.0)

		found:=false
		for _, tr:=range res.Transients {
			if abs(tr.X-f.X)<=1 && abs(tr.Y-f.Y)<=1 && tr.Scorr>0 { found=true }
		}
		assert.True(t, found, "no transient at fake star %d,%d", f.X, f.Y)
	}
	// 64x64 tiles, fake stars at their centers
	assert.Equal(t, image.Pt(32, 32), image.Pt(res.FakeStars[0].X, res.FakeStars[0].Y))
	assert.Equal(t, image.Pt(96, 96), image.Pt(res.FakeStars[3].X, res.FakeStars[3].Y))
}

func TestRandomFakeStarsStayInsideInterior(t *testing.T) {
	cfg:=testConfig()
	cfg.FakeStars.Count, cfg.FakeStars.SNR=3, 20
	ctx:=testContext()
	res, err:=Run(context.Background(), ctx, cfg, noiseFrame(1, 21), noiseFrame(2, 22), nil)
	require.NoError(t, err)
	require.Len(t, res.FakeStars, 12)

	grid, err:=cfg.Grid(width, height)
	require.NoError(t, err)
	for _, f:=range res.FakeStars {
		assert.True(t, image.Pt(f.X, f.Y).In(grid.Tiles[f.Tile].Interior), "fake star %d,%d of tile %d", f.X, f.Y, f.Tile)
	}
}

func TestTransientsCapped(t *testing.T) {
	cfg:=testConfig()
	cfg.FakeStars.Count, cfg.FakeStars.SNR=3, 100
	cfg.Subtraction.MaxTransients=1
	res, err:=Run(context.Background(), testContext(), cfg, noiseFrame(1, 31), noiseFrame(2, 32), nil)
	require.NoError(t, err)
	perTile:=map[int]int{}
	for _, tr:=range res.Transients { perTile[tr.Tile]++ }
	for tile, n:=range perTile { assert.Equal(t, 1, n, "tile %d", tile) }
}

func TestIsPeak(t *testing.T) {
	data:=[]float64{
		0, 1, 0,
		1, 5, 1,
		0, -6, 0,
	}
	assert.False(t, isPeak(data, 3, 1, 1, 5))
	assert.True(t, isPeak(data, 3, 1, 2, 6))

	flat:=[]float64{2, 2, 2, 2}
	assert.True(t, isPeak(flat, 2, 0, 0, 2))
	assert.False(t, isPeak(flat, 2, 1, 1, 2))
}

func TestFillMargins(t *testing.T) {
	buf:=[]float64{
		9, 9, 9, 9,
		9, 1, 2, 9,
		9, 3, 4, 9,
		9, 9, 9, 9,
	}
	fillMargins(buf, 4, image.Rect(1, 1, 3, 3))
	for i, v:=range buf {
		x, y:=i%4, i/4
		if x>=1 && x<3 && y>=1 && y<3 { continue }
		assert.InDelta(t, 2.5, v, 0.5, "pixel %d", i) // median of 1,2,3,4 is 2 or 3
	}
}

func TestRunErrors(t *testing.T) {
	ctx:=testContext()
	cfg:=testConfig()

	small:=noiseFrame(2, 1)
	small.Width, small.Height, small.Data=64, 64, small.Data[:64*64]
	_, err:=Run(context.Background(), ctx, cfg, noiseFrame(1, 1), small, nil)
	assert.True(t, errors.Is(err, zogy.ErrShape))

	noPSF:=noiseFrame(2, 1)
	noPSF.PSF=nil
	_, err=Run(context.Background(), ctx, cfg, noiseFrame(1, 1), noPSF, nil)
	assert.True(t, errors.Is(err, ErrFrame))

	bad:=testConfig()
	bad.Tile.Size=63
	_, err=Run(context.Background(), ctx, bad, noiseFrame(1, 1), noiseFrame(2, 1), nil)
	assert.True(t, errors.Is(err, config.ErrConfig))

	cancelled, cancel:=context.WithCancel(context.Background())
	cancel()
	res, err:=Run(cancelled, ctx, cfg, noiseFrame(1, 1), noiseFrame(2, 2), nil)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled))
}

func abs(v int) int {
	if v<0 { return -v }
	return v
}
