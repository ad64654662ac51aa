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

// Package calib cross-matches calibration stars between the new and the reference frame,
// and derives the flux ratio and registration residuals that enter the subtraction.
package calib

import (
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/zogy/internal/qsort"
	"github.com/mlnoga/zogy/internal/star"
	"github.com/mlnoga/zogy/internal/stats"
	"github.com/mlnoga/zogy/internal/tile"
)

// Calibration settings
type Options struct {
	RadiusArcsec   float64           `yaml:"radiusArcsec"`   // Maximum match separation
	MinLocal       int               `yaml:"minLocal"`       // Minimum matches for a tile-local flux ratio
	MaxDeviation   float64           `yaml:"maxDeviation"`   // Maximum local flux ratio deviation, in units of global scatter
	MaxOffsetRatio float64           `yaml:"maxOffsetRatio"` // Local offsets above this multiple of the global ones are rejected
	MedianWeight   float64           `yaml:"medianWeight"`   // Weight of the median offset in the combined residual
	StdWeight      float64           `yaml:"stdWeight"`      // Weight of the offset scatter in the combined residual
	Clip           stats.ClipOptions `yaml:"clip"`           // Flux ratio clipping
}

func DefaultOptions() Options {
	return Options{
		RadiusArcsec:   3,
		MinLocal:       10,
		MaxDeviation:   2,
		MaxOffsetRatio: 2,
		MedianWeight:   1,
		StdWeight:      1,
		Clip:           stats.ClipOptions{NSigma: 2, MaxIters: 10, Epsilon: 1e-6},
	}
}

// A matched pair of calibration stars
type Pair struct {
	New, Ref  star.Star
	DRA, DDec float64 // Sky offsets new minus ref in arcsec, RA scaled by cos(dec)
	Sep       float64 // Separation in arcsec
}

// Wraps an RA difference in degrees into [-180,180)
func wrapRA(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// Matches each new star to its nearest reference star on the sky, accepting pairs closer
// than radiusArcsec. Searches a tangent plane around the mean reference position
func Match(newStars, refStars []star.Star, radiusArcsec float64) []Pair {
	if len(newStars) == 0 || len(refStars) == 0 {
		return nil
	}
	ra0, dec0 := refStars[0].RA, 0.0
	for _, s := range refStars {
		dec0 += s.Dec
	}
	dec0 /= float64(len(refStars))
	cos0 := math.Cos(dec0 * math.Pi / 180)
	project := func(s star.Star, i int) star.Point {
		return star.Point{X: 3600 * wrapRA(s.RA-ra0) * cos0, Y: 3600 * (s.Dec - dec0), Index: i}
	}

	points := make([]star.Point, len(refStars))
	for i, s := range refStars {
		points[i] = project(s, i)
	}
	tree := star.NewTree(points)

	var pairs []Pair
	for i, s := range newStars {
		nearest, _, ok := tree.Nearest(project(s, i))
		if !ok {
			continue
		}
		ref := refStars[nearest.Index]
		dra := 3600 * wrapRA(s.RA-ref.RA) * math.Cos(s.Dec*math.Pi/180)
		ddec := 3600 * (s.Dec - ref.Dec)
		sep := math.Hypot(dra, ddec)
		if sep < radiusArcsec {
			pairs = append(pairs, Pair{New: s, Ref: ref, DRA: dra, DDec: ddec, Sep: sep})
		}
	}
	return pairs
}

// Matches on pixel positions, for catalogs without sky coordinates. Offsets and separations
// are reported in arcsec using the given pixel scale
func MatchPixels(newStars, refStars []star.Star, radiusArcsec, pixScale float64) []Pair {
	if len(newStars) == 0 || len(refStars) == 0 {
		return nil
	}
	points := make([]star.Point, len(refStars))
	for i, s := range refStars {
		points[i] = star.Point{X: s.X, Y: s.Y, Index: i}
	}
	tree := star.NewTree(points)

	var pairs []Pair
	for _, s := range newStars {
		nearest, d, ok := tree.Nearest(star.Point{X: s.X, Y: s.Y})
		if !ok || d*pixScale >= radiusArcsec {
			continue
		}
		ref := refStars[nearest.Index]
		pairs = append(pairs, Pair{New: s, Ref: ref,
			DRA: (s.X - ref.X) * pixScale, DDec: (s.Y - ref.Y) * pixScale, Sep: d * pixScale})
	}
	return pairs
}

// A calibration measurement per matched pair, in new-frame pixel coordinates
type Sample struct {
	X, Y   float64 // FITS 1-based new-frame position
	FRatio float64 // Flux ratio new over ref, in electrons
	DX, DY float64 // Registration residual, in pixels
}

// Global calibration of a frame pair
type Solution struct {
	Opt        Options
	Samples    []Sample
	FRatio     float64 // Clipped median flux ratio
	FRatioMean float64
	FRatioStd  float64
	DX, DY     float64 // Combined registration residuals of median and scatter
	DR         float64
	Default    bool // True if no matches were available and defaults apply
}

// Aggregates matched pairs into a global solution. With no matches, the flux ratio
// defaults to unity and the offsets to zero, and a warning is logged
func NewSolution(pairs []Pair, gainNew, gainRef, pixScale float64, opt Options, logWriter io.Writer) *Solution {
	sol := &Solution{Opt: opt}
	if len(pairs) == 0 {
		fmt.Fprintf(logWriter, "Warning: no calibration star matches, using fratio 1 and zero offsets\n")
		sol.FRatio, sol.FRatioMean, sol.Default = 1, 1, true
		return sol
	}

	sol.Samples = make([]Sample, 0, len(pairs))
	fratios := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		s := Sample{X: p.New.X, Y: p.New.Y, DX: p.DRA / pixScale, DY: p.DDec / pixScale}
		s.FRatio = math.NaN()
		if p.Ref.Norm != 0 {
			s.FRatio = p.New.Norm / p.Ref.Norm * gainNew / gainRef
		}
		sol.Samples = append(sol.Samples, s)
		fratios = append(fratios, s.FRatio)
	}

	cs := stats.ClippedStats(fratios, opt.Clip)
	if cs.N == 0 {
		fmt.Fprintf(logWriter, "Warning: no finite flux ratios among %d matches, using fratio 1\n", len(pairs))
		sol.FRatio, sol.FRatioMean = 1, 1
	} else {
		sol.FRatio, sol.FRatioMean, sol.FRatioStd = cs.Median, cs.Mean, cs.Std
	}
	sol.DX, sol.DY, sol.DR = sol.offsets(sol.Samples)
	fmt.Fprintf(logWriter, "Calibration: %d matches, fratio median %.5g mean %.5g std %.3g, dx %.3f dy %.3f dr %.3f pixels\n",
		len(pairs), sol.FRatio, sol.FRatioMean, sol.FRatioStd, sol.DX, sol.DY, sol.DR)
	return sol
}

// Combined residuals sqrt((wm*median)^2 + (ws*std)^2) per axis and radially
func (sol *Solution) offsets(samples []Sample) (dx, dy, dr float64) {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	rs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i], ys[i], rs[i] = s.DX, s.DY, math.Hypot(s.DX, s.DY)
	}
	return sol.combine(xs), sol.combine(ys), sol.combine(rs)
}

func (sol *Solution) combine(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	_, std := stats.MeanStdDev(data)
	med := qsort.MedianFloat64(data)
	wm, ws := sol.Opt.MedianWeight*med, sol.Opt.StdWeight*std
	return math.Sqrt(wm*wm + ws*ws)
}

// Calibration adopted for one tile
type Local struct {
	FRatio    float64
	DX, DY    float64
	UsedLocal bool // True if a tile-local flux ratio was adopted
	N         int  // Matches inside the tile interior
}

// Flux scale factors: new frame at unity, reference scaled by the inverse ratio
func (l Local) FluxFactors() (fn, fr float64) { return 1, 1 / l.FRatio }

// Calibration for one tile. Tile-local estimates are used only where enabled, and
// fall back to the global values when too few, too deviant or non-finite
func (sol *Solution) ForTile(t *tile.Tile, fratioLocal, dxdyLocal bool) Local {
	l := Local{FRatio: sol.FRatio, DX: sol.DX, DY: sol.DY}
	if !fratioLocal && !dxdyLocal {
		return l
	}

	var inside []Sample
	for _, s := range sol.Samples {
		ix, iy := int(math.Floor(s.X-0.5)), int(math.Floor(s.Y-0.5))
		if ix >= t.Interior.Min.X && ix < t.Interior.Max.X && iy >= t.Interior.Min.Y && iy < t.Interior.Max.Y {
			inside = append(inside, s)
		}
	}
	l.N = len(inside)

	if fratioLocal && len(inside) >= sol.Opt.MinLocal {
		fratios := make([]float64, len(inside))
		for i, s := range inside {
			fratios[i] = s.FRatio
		}
		cs := stats.ClippedStats(fratios, sol.Opt.Clip)
		dev := math.Abs(cs.Median - sol.FRatio)
		if cs.N > 0 && !math.IsNaN(dev) && dev <= sol.Opt.MaxDeviation*sol.FRatioStd {
			l.FRatio, l.UsedLocal = cs.Median, true
		}
	}

	if dxdyLocal && len(inside) > 0 {
		dx, dy, _ := sol.offsets(inside)
		if !(dx <= sol.Opt.MaxOffsetRatio*sol.DX) || math.IsInf(dx, 0) {
			dx = sol.DX
		}
		if !(dy <= sol.Opt.MaxOffsetRatio*sol.DY) || math.IsInf(dy, 0) {
			dy = sol.DY
		}
		l.DX, l.DY = dx, dy
	}
	return l
}
