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

// Package subtract runs the proper image subtraction over all tiles of a registered
// frame pair and stitches the per-tile results into full frames.
package subtract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/valyala/fastrand"

	"github.com/mlnoga/zogy/internal/background"
	"github.com/mlnoga/zogy/internal/calib"
	"github.com/mlnoga/zogy/internal/config"
	"github.com/mlnoga/zogy/internal/fft"
	"github.com/mlnoga/zogy/internal/ops"
	"github.com/mlnoga/zogy/internal/optflux"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/qsort"
	"github.com/mlnoga/zogy/internal/tile"
	"github.com/mlnoga/zogy/internal/zogy"
)

var ErrFrame = errors.New("invalid frame")

// A registered input frame. Pixel values are in electrons
type Frame struct {
	ID            int
	Data          []float32
	Width, Height int
	Mask          []bool          // optional, true where pixels may be used for background estimation
	Background    *background.Map // optional, required for the external background method
	PSF           *psf.Evaluator
	ReadNoise     float64 // electrons
}

func (f *Frame) check() error {
	switch {
	case f == nil:
		return fmt.Errorf("%w: missing frame", ErrFrame)
	case f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height:
		return fmt.Errorf("%d: %w: %d pixels for %dx%d", f.ID, ErrFrame, len(f.Data), f.Width, f.Height)
	case f.Mask != nil && len(f.Mask) != len(f.Data):
		return fmt.Errorf("%d: %w: mask has %d pixels, image has %d", f.ID, ErrFrame, len(f.Mask), len(f.Data))
	case f.PSF == nil || f.PSF.Model == nil:
		return fmt.Errorf("%d: %w: missing PSF model", f.ID, ErrFrame)
	}
	return f.PSF.Model.Validate()
}

// A synthetic star injected into the new frame, with what the subtraction recovered
type FakeStar struct {
	Tile       int
	X, Y       int     // 0-based frame pixel
	Flux       float64 // injected, electrons
	FluxOut    float64 // recovered PSF flux
	FluxErrOut float64
	SNROut     float64 // Scorr at the injection pixel
}

// A local maximum of |Scorr| above the detection threshold
type Transient struct {
	Tile    int
	X, Y    int // 0-based frame pixel
	Scorr   float64
	Flux    float64
	FluxErr float64
}

// Full-frame subtraction outputs. D is in electrons
type Result struct {
	D, S, Scorr, Fpsf, FpsfErr []float32
	Width, Height              int
	FakeStars                  []FakeStar
	Transients                 []Transient
	Warnings                   int
}

// Per-tile results which are merged after all tiles finished
type tileResult struct {
	fakeStars  []FakeStar
	transients []Transient
	warnings   int
}

// Shared read-only state of one run
type run struct {
	c          *ops.Context
	cfg        *config.Config
	grid       *tile.Grid
	variance   config.VarianceModel
	newF, refF *Frame
	newB, refB *background.Map
	cal        *calib.Solution
	res        *Result
}

// Subtracts the reference frame from the new frame, tile by tile. Both frames must be
// registered onto the same pixel grid. A nil calibration uses unit flux ratio and no
// registration residuals. No partial result is returned on error
func Run(ctx context.Context, c *ops.Context, cfg *config.Config, newF, refF *Frame, cal *calib.Solution) (*Result, error) {
	if err:=newF.check(); err!=nil { return nil, err }
	if err:=refF.check(); err!=nil { return nil, err }
	if newF.Width!=refF.Width || newF.Height!=refF.Height {
		return nil, fmt.Errorf("%d: %w: new frame is %dx%d, reference frame %d is %dx%d", newF.ID, zogy.ErrShape,
			newF.Width, newF.Height, refF.ID, refF.Width, refF.Height)
	}
	if err:=cfg.Validate(); err!=nil { return nil, err }
	grid, err:=cfg.Grid(newF.Width, newF.Height)
	if err!=nil { return nil, err }
	variance, err:=cfg.VarianceModel()
	if err!=nil { return nil, err }
	if cal==nil { cal=calib.NewSolution(nil, 1, 1, 1, cfg.Calibration.Options, c.Log) }

	r:=&run{c: c, cfg: cfg, grid: grid, variance: variance, newF: newF, refF: refF, cal: cal}
	if r.newB, err=estimateBackground(c, cfg, grid, newF); err!=nil { return nil, err }
	if r.refB, err=estimateBackground(c, cfg, grid, refF); err!=nil { return nil, err }

	n:=newF.Width*newF.Height
	r.res=&Result{
		D: make([]float32, n), S: make([]float32, n), Scorr: make([]float32, n),
		Fpsf: make([]float32, n), FpsfErr: make([]float32, n),
		Width: newF.Width, Height: newF.Height,
	}

	results:=make([]*tileResult, len(grid.Tiles))
	jobs:=make([]ops.Job, len(grid.Tiles))
	for i:=range grid.Tiles {
		i:=i
		jobs[i]=func() error {
			tr, err:=r.processTile(&grid.Tiles[i])
			results[i]=tr
			return err
		}
	}
	threads:=c.Concurrency(tileMB(grid.BufSize))
	fmt.Fprintf(c.Log, "%d: Subtracting %d tiles of %dx%d pixels with %d threads\n", newF.ID, len(jobs), grid.BufSize, grid.BufSize, threads)
	if err:=ops.RunAll(ctx, jobs, threads); err!=nil { return nil, err }

	for _, tr:=range results {
		r.res.FakeStars =append(r.res.FakeStars,  tr.fakeStars...)
		r.res.Transients=append(r.res.Transients, tr.transients...)
		r.res.Warnings +=tr.warnings
	}
	return r.res, nil
}

// Approximate working memory of one tile in MB
func tileMB(bufSize int) int {
	return (bufSize*bufSize*320)>>20+1
}

func estimateBackground(c *ops.Context, cfg *config.Config, grid *tile.Grid, f *Frame) (*background.Map, error) {
	opt, err:=cfg.BackgroundOptions()
	if err!=nil { return nil, err }
	est, err:=background.New(opt, grid, f.Background)
	if err!=nil { return nil, fmt.Errorf("%d: %w", f.ID, err) }
	return est.Estimate(f.Data, f.Mask, f.Width, f.ID, c.Log)
}

// Working buffers of one frame within a tile
type cutout struct {
	data, level, std, variance []float64
}

func (r *run) extract(f *Frame, b *background.Map, t *tile.Tile) *cutout {
	g:=r.grid
	n:=g.BufSize*g.BufSize
	co:=&cutout{data: make([]float64, n), level: make([]float64, n), std: make([]float64, n)}
	g.Extract(co.data,  f.Data, t)
	g.Extract(co.level, b.Level, t)
	g.Extract(co.std,   b.Std, t)
	fillMargins(co.level, g.BufSize, t.PaddedInBuffer())
	fillMargins(co.std,   g.BufSize, t.PaddedInBuffer())
	return co
}

// Sets buffer pixels outside the given rectangle to the median of the pixels inside
func fillMargins(buf []float64, bufSize int, in image.Rectangle) {
	if in.Min.X==0 && in.Min.Y==0 && in.Max.X==bufSize && in.Max.Y==bufSize { return }
	inside:=make([]float64, 0, in.Dx()*in.Dy())
	for y:=in.Min.Y; y<in.Max.Y; y++ {
		inside=append(inside, buf[y*bufSize+in.Min.X:y*bufSize+in.Max.X]...)
	}
	med:=0.0
	if len(inside)>0 { med=qsort.QSelectMedianFloat64(inside) }
	for y:=0; y<bufSize; y++ {
		for x:=0; x<bufSize; x++ {
			if !image.Pt(x, y).In(in) { buf[y*bufSize+x]=med }
		}
	}
}

func (r *run) buildVariance(co *cutout, ron float64) {
	co.variance=make([]float64, len(co.data))
	ron2:=ron*ron
	for i, d:=range co.data {
		switch r.variance {
		case config.VarianceSource:
			co.variance[i]=d-co.level[i]+ron2
		case config.VarianceSky:
			co.variance[i]=d-co.level[i]+co.std[i]*co.std[i]
		default:
			co.variance[i]=d+ron2
		}
	}
}

func (r *run) processTile(t *tile.Tile) (*tileResult, error) {
	g, id:=r.grid, r.newF.ID
	tr:=&tileResult{}

	cn:=r.extract(r.newF, r.newB, t)
	cr:=r.extract(r.refF, r.refB, t)

	// pixels without data in either frame, including those beyond the frame edges,
	// take the local background of both
	for i:=range cn.data {
		if cn.data[i]==0 || cr.data[i]==0 {
			cn.data[i], cr.data[i]=cn.level[i], cr.level[i]
		}
	}
	r.buildVariance(cn, r.newF.ReadNoise)
	r.buildVariance(cr, r.refF.ReadNoise)

	cx, cy:=float64(t.Center.X), float64(t.Center.Y)
	kn, pn, sizeN, err:=r.newF.PSF.Kernel(cx, cy, g.BufSize)
	if err!=nil { return tr, fmt.Errorf("%d: tile %d: new PSF: %w", id, t.Index, err) }
	kr, _, _, err:=r.refF.PSF.Kernel(cx, cy, g.BufSize)
	if err!=nil { return tr, fmt.Errorf("%d: tile %d: reference PSF: %w", id, t.Index, err) }

	fakes:=r.injectFakeStars(t, cn, pn, sizeN)
	if len(fakes)==0 && r.cfg.FakeStars.Count>0 {
		fmt.Fprintf(r.c.Log, "%d: Warning: tile %d too small for random fake stars\n", id, t.Index)
		tr.warnings++
	}

	for i:=range cn.data {
		cn.data[i]-=cn.level[i]
		cr.data[i]-=cr.level[i]
	}

	loc:=r.cal.ForTile(t, r.cfg.Calibration.FRatioLocal, r.cfg.Calibration.DXDYLocal)
	fn, fr:=loc.FluxFactors()
	sn, sr:=qsort.QSelectMedianFloat64(cn.std), qsort.QSelectMedianFloat64(cr.std)

	out, err:=zogy.Subtract(zogy.Input{
		N: cn.data, R: cr.data, Pn: kn, Pr: kr, Vn: cn.variance, Vr: cr.variance,
		Size: g.BufSize, SN: sn, SR: sr, FN: fn, FR: fr, DX: loc.DX, DY: loc.DY,
	}, fft.NewPlan(g.BufSize))
	if err!=nil { return tr, fmt.Errorf("%d: tile %d: %w", id, t.Index, err) }
	if out.ZeroDenominators>0 {
		fmt.Fprintf(r.c.Log, "%d: Warning: tile %d has %d zero denominators in Fourier space\n", id, t.Index, out.ZeroDenominators)
		tr.warnings++
	}
	if out.NonFinite>0 {
		fmt.Fprintf(r.c.Log, "%d: Warning: tile %d has %d non-finite output pixels\n", id, t.Index, out.NonFinite)
		tr.warnings++
	}

	origin:=t.Interior.Min.Sub(image.Pt(g.Border, g.Border))
	for _, f:=range fakes {
		i:=f.y*g.BufSize+f.x
		tr.fakeStars=append(tr.fakeStars, FakeStar{
			Tile: t.Index, X: origin.X+f.x, Y: origin.Y+f.y, Flux: f.flux,
			FluxOut: out.Fpsf[i], FluxErrOut: out.FpsfErr[i], SNROut: out.Scorr[i],
		})
	}
	tr.transients=r.findTransients(t, out, origin)

	g.Stitch(r.res.D,       out.D,       t)
	g.Stitch(r.res.S,       out.S,       t)
	g.Stitch(r.res.Scorr,   out.Scorr,   t)
	g.Stitch(r.res.Fpsf,    out.Fpsf,    t)
	g.Stitch(r.res.FpsfErr, out.FpsfErr, t)

	fmt.Fprintf(r.c.Log, "%d: Tile %d at %v fratio %.4g local %v dx %.3g dy %.3g sn %.4g sr %.4g transients %d\n",
		id, t.Index, t.Interior.Min, loc.FRatio, loc.UsedLocal, loc.DX, loc.DY, sn, sr, len(tr.transients))
	return tr, nil
}

// Buffer position and flux of an injected star
type injected struct {
	x, y int
	flux float64
}

// Adds fake stars to the new data and variance. A single star goes to the tile center,
// several go to random positions at least border+size/2+1 pixels away from the buffer edges
func (r *run) injectFakeStars(t *tile.Tile, cn *cutout, p []float64, size int) []injected {
	count, bufSize:=r.cfg.FakeStars.Count, r.grid.BufSize
	if count<=0 { return nil }

	h:=size/2
	var pos []image.Point
	if count==1 {
		c:=t.Center.Sub(t.Interior.Min).Add(image.Pt(r.grid.Border, r.grid.Border))
		pos=append(pos, image.Pt(clamp(c.X, h, bufSize-1-h), clamp(c.Y, h, bufSize-1-h)))
	} else {
		edge:=r.grid.Border+size/2+1
		span:=bufSize-2*edge
		if span<=0 { return nil }
		var rng fastrand.RNG
		rng.Seed(r.cfg.FakeStars.Seed+uint32(t.Index))
		for i:=0; i<count; i++ {
			pos=append(pos, image.Pt(edge+int(rng.Uint32n(uint32(span))), edge+int(rng.Uint32n(uint32(span)))))
		}
	}

	sky:=make([]float64, size*size)
	res:=make([]injected, 0, len(pos))
	for _, pt:=range pos {
		for y:=0; y<size; y++ {
			copy(sky[y*size:(y+1)*size], cn.level[(pt.Y-h+y)*bufSize+pt.X-h:])
		}
		flux, _:=optflux.FluxForSNR(p, optflux.Raster(sky), r.newF.ReadNoise, r.cfg.FakeStars.SNR,
			r.newF.PSF.Model.FWHM, r.cfg.FakeStars.MaxIters, r.cfg.FakeStars.Epsilon)
		for y:=0; y<size; y++ {
			row:=(pt.Y-h+y)*bufSize+pt.X-h
			for x:=0; x<size; x++ {
				v:=flux*p[y*size+x]
				cn.data[row+x]    +=v
				cn.variance[row+x]+=v
			}
		}
		res=append(res, injected{x: pt.X, y: pt.Y, flux: flux})
	}
	return res
}

// Local maxima of |Scorr| within the tile interior at or above the detection threshold,
// most significant first
func (r *run) findTransients(t *tile.Tile, out *zogy.Output, origin image.Point) []Transient {
	nsigma, limit, n:=r.cfg.Subtraction.TransientNSigma, r.cfg.Subtraction.MaxTransients, r.grid.BufSize
	in:=t.InteriorInBuffer()
	var res []Transient
	for y:=in.Min.Y; y<in.Max.Y; y++ {
		for x:=in.Min.X; x<in.Max.X; x++ {
			i:=y*n+x
			v:=math.Abs(out.Scorr[i])
			if !(v>=nsigma) || math.IsInf(v, 0) || !isPeak(out.Scorr, n, x, y, v) { continue }
			res=append(res, Transient{
				Tile: t.Index, X: origin.X+x, Y: origin.Y+y,
				Scorr: out.Scorr[i], Flux: out.Fpsf[i], FluxErr: out.FpsfErr[i],
			})
		}
	}
	sort.SliceStable(res, func(a, b int) bool { return math.Abs(res[a].Scorr)>math.Abs(res[b].Scorr) })
	if limit>0 && len(res)>limit {
		fmt.Fprintf(r.c.Log, "%d: tile %d has %d transient candidates, keeping %d\n", r.newF.ID, t.Index, len(res), limit)
		res=res[:limit]
	}
	return res
}

// Whether |data| at x,y is a maximum of its 3x3 neighbourhood. Ties go to the
// first pixel in row-major order
func isPeak(data []float64, n, x, y int, v float64) bool {
	for dy:=-1; dy<=1; dy++ {
		yy:=y+dy
		if yy<0 || yy>=n { continue }
		for dx:=-1; dx<=1; dx++ {
			xx:=x+dx
			if xx<0 || xx>=n || (dx==0 && dy==0) { continue }
			w:=math.Abs(data[yy*n+xx])
			if w>v || (w==v && (dy<0 || (dy==0 && dx<0))) { return false }
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v<lo { return lo }
	if v>hi { return hi }
	return v
}
