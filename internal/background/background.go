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

// Package background estimates smooth background level and noise rasters of a frame.
// Estimation strategies are selected at configuration time via Method.
package background

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mlnoga/zogy/internal/qsort"
	"github.com/mlnoga/zogy/internal/stats"
	"github.com/mlnoga/zogy/internal/tile"
)

// Background estimation method
type Method int
const (
	MethodMesh       Method = iota // sigma-clipped box mesh, median filtered and interpolated
	MethodTileMedian               // one sigma-clipped median per tile interior
	MethodExternal                 // rasters supplied by an upstream tool
)

var methodNames=[]string{"mesh", "tile", "external"}

func (m Method) String() string {
	if int(m)<0 || int(m)>=len(methodNames) { return fmt.Sprintf("Method(%d)", int(m)) }
	return methodNames[m]
}

// Parses a method name as used in settings files
func ParseMethod(s string) (Method, error) {
	for i, n:=range methodNames {
		if strings.EqualFold(s, n) { return Method(i), nil }
	}
	return 0, fmt.Errorf("unknown background method '%s', expecting one of %s", s, strings.Join(methodNames, ", "))
}

var ErrShape=errors.New("background raster shape mismatch")

// Settings for background estimation
type Options struct {
	Method     Method
	Clip       stats.ClipOptions // sigma clipping within boxes and of the whole frame
	BoxSize    int               // edge length of mesh boxes in pixels
	FilterSize int               // odd edge length of the median filter applied to the mesh, 1=off
}

// Background level and standard deviation rasters of a frame
type Map struct {
	Width, Height int
	Level         []float32
	Std           []float32
}

// Allocates an empty map of given size
func NewMap(width, height int) *Map {
	return &Map{Width: width, Height: height, Level: make([]float32, width*height), Std: make([]float32, width*height)}
}

// Median background standard deviation over the given region of this map
func (m *Map) MedianStd(x0, y0, x1, y1 int) float64 {
	return medianOfRegion(m.Std, m.Width, x0, y0, x1, y1)
}

// Estimates background rasters for a frame. The mask is true where pixels are background;
// a nil mask treats every pixel as background. Non-positive pixels are always rejected.
type Estimator interface {
	Estimate(data []float32, mask []bool, width int, id int, logWriter io.Writer) (*Map, error)
}

// Creates the estimator for the configured method. The grid is required for MethodTileMedian,
// the external map for MethodExternal
func New(opt Options, grid *tile.Grid, external *Map) (Estimator, error) {
	switch opt.Method {
	case MethodMesh:
		if opt.BoxSize<=0 { return nil, fmt.Errorf("background box size must be positive, got %d", opt.BoxSize) }
		if opt.FilterSize<1 || (opt.FilterSize&1)==0 { return nil, fmt.Errorf("background filter size must be odd and positive, got %d", opt.FilterSize) }
		return &Mesh{BoxSize: opt.BoxSize, FilterSize: opt.FilterSize, Clip: opt.Clip}, nil
	case MethodTileMedian:
		if grid==nil { return nil, errors.New("tile background method requires a tile grid") }
		return &TileMedian{Grid: grid, Clip: opt.Clip}, nil
	case MethodExternal:
		if external==nil { return nil, errors.New("external background method requires background and std rasters") }
		return &External{Map: external}, nil
	default:
		return nil, fmt.Errorf("unknown background method %d", opt.Method)
	}
}

// Uses background rasters produced elsewhere, e.g. by a source extraction tool
type External struct {
	Map *Map
}

func (e *External) Estimate(data []float32, mask []bool, width int, id int, logWriter io.Writer) (*Map, error) {
	height:=len(data)/width
	if e.Map.Width!=width || e.Map.Height!=height || len(e.Map.Level)!=len(data) || len(e.Map.Std)!=len(data) {
		return nil, fmt.Errorf("%d: %w: external background is %dx%d, image is %dx%d", id, ErrShape, e.Map.Width, e.Map.Height, width, height)
	}
	return e.Map, nil
}

// Gathers the valid pixels of a region into buf, returning the filled part of buf
func gather(buf []float64, data []float32, mask []bool, width, x0, y0, x1, y1 int) []float64 {
	buf=buf[:0]
	for y:=y0; y<y1; y++ {
		for x:=x0; x<x1; x++ {
			i:=y*width+x
			if mask!=nil && !mask[i] { continue }
			if v:=data[i]; v>0 { buf=append(buf, float64(v)) }
		}
	}
	return buf
}

func medianOfRegion(data []float32, width, x0, y0, x1, y1 int) float64 {
	buf:=make([]float64, 0, (x1-x0)*(y1-y0))
	for y:=y0; y<y1; y++ {
		for x:=x0; x<x1; x++ { buf=append(buf, float64(data[y*width+x])) }
	}
	if len(buf)==0 { return 0 }
	return qsort.QSelectMedianFloat64(buf)
}
