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

package background

import (
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/zogy/internal/median"
	"github.com/mlnoga/zogy/internal/stats"
	"github.com/mlnoga/zogy/internal/tile"
)

// A mesh of sigma-clipped box statistics, median filtered and bilinearly interpolated
// between box centers. Pixels beyond the last box center take the value of the nearest one.
type Mesh struct {
	BoxSize    int
	FilterSize int
	Clip       stats.ClipOptions
}

func (m *Mesh) Estimate(data []float32, mask []bool, width int, id int, logWriter io.Writer) (*Map, error) {
	height:=len(data)/width
	if mask!=nil && len(mask)!=len(data) {
		return nil, fmt.Errorf("%d: %w: mask has %d pixels, image has %d", id, ErrShape, len(mask), len(data))
	}

	full, err:=frameStats(data, mask, width, m.Clip, id)
	if err!=nil { return nil, err }

	boxW, boxH:=m.BoxSize, m.BoxSize
	if boxW>width  { boxW=width }
	if boxH>height { boxH=height }
	nx, ny:=width/boxW, height/boxH

	levels:=make([]float64, nx*ny)
	stds  :=make([]float64, nx*ny)
	buf   :=make([]float64, 0, boxW*boxH)
	fallbacks, skewed:=0, 0
	for by:=0; by<ny; by++ {
		for bx:=0; bx<nx; bx++ {
			i:=by*nx+bx
			buf=gather(buf, data, mask, width, bx*boxW, by*boxH, (bx+1)*boxW, (by+1)*boxH)
			if 2*len(buf)<boxW*boxH {
				levels[i], stds[i]=full.Median, full.Std
				fallbacks++
				continue
			}
			c:=stats.ClippedStats(buf, m.Clip)
			if c.N==0 {
				levels[i], stds[i]=full.Median, full.Std
				fallbacks++
				continue
			}
			if c.Skewed { skewed++ }
			levels[i], stds[i]=c.Median, c.Std
		}
	}
	if fallbacks>0 {
		fmt.Fprintf(logWriter, "%d: Warning: %d of %d background boxes have too few valid pixels, using frame statistics\n", id, fallbacks, nx*ny)
	}
	if skewed>0 {
		fmt.Fprintf(logWriter, "%d: Warning: median and mean differ by more than 10%% in %d background boxes\n", id, skewed)
	}

	if m.FilterSize>1 {
		tmp:=make([]float64, len(levels))
		median.Filter(tmp, levels, nx, m.FilterSize)
		levels, tmp=tmp, levels
		median.Filter(tmp, stds, nx, m.FilterSize)
		stds=tmp
	}

	res:=NewMap(width, height)
	render(res.Level, width, height, levels, nx, ny, boxW, boxH)
	render(res.Std,   width, height, stds,   nx, ny, boxW, boxH)
	fmt.Fprintf(logWriter, "%d: Background mesh %dx%d boxes of %dx%d, frame level %.4g std %.4g\n", id, nx, ny, boxW, boxH, full.Median, full.Std)
	return res, nil
}

// Sigma-clipped statistics of all valid pixels of a frame, without upper trimming
func frameStats(data []float32, mask []bool, width int, clip stats.ClipOptions, id int) (stats.Clipped, error) {
	height:=len(data)/width
	buf:=gather(make([]float64, 0, len(data)), data, mask, width, 0, 0, width, height)
	clip.UpperTrim=0
	full:=stats.ClippedStats(buf, clip)
	if full.N==0 || math.IsNaN(full.Median) {
		return full, fmt.Errorf("%d: no valid background pixels in %dx%d image", id, width, height)
	}
	return full, nil
}

// Renders a mesh of box values into a full-size raster by bilinear interpolation between box centers
func render(dest []float32, width, height int, cells []float64, nx, ny, boxW, boxH int) {
	for y:=0; y<height; y++ {
		yl, yh, yr:=interpolationWeights(y, boxH, ny)
		for x:=0; x<width; x++ {
			xl, xh, xr:=interpolationWeights(x, boxW, nx)
			vyl:=cells[yl*nx+xl]*(1-xr) + cells[yl*nx+xh]*xr
			vyh:=cells[yh*nx+xl]*(1-xr) + cells[yh*nx+xh]*xr
			dest[y*width+x]=float32(vyl*(1-yr) + vyh*yr)
		}
	}
}

// Returns the lower and upper mesh cell and the fractional weight of the upper cell for a pixel
func interpolationWeights(p, box, n int) (l, h int, r float64) {
	f:=(float64(p)+0.5)/float64(box)-0.5
	if f<=0          { return 0, 0, 0 }
	if f>=float64(n-1) { return n-1, n-1, 0 }
	l=int(f)
	return l, l+1, f-float64(l)
}

// One sigma-clipped median and standard deviation per tile interior
type TileMedian struct {
	Grid *tile.Grid
	Clip stats.ClipOptions
}

func (tm *TileMedian) Estimate(data []float32, mask []bool, width int, id int, logWriter io.Writer) (*Map, error) {
	height:=len(data)/width
	if width!=tm.Grid.Width || height!=tm.Grid.Height {
		return nil, fmt.Errorf("%d: %w: tile grid is %dx%d, image is %dx%d", id, ErrShape, tm.Grid.Width, tm.Grid.Height, width, height)
	}
	if mask!=nil && len(mask)!=len(data) {
		return nil, fmt.Errorf("%d: %w: mask has %d pixels, image has %d", id, ErrShape, len(mask), len(data))
	}
	full, err:=frameStats(data, mask, width, tm.Clip, id)
	if err!=nil { return nil, err }

	res:=NewMap(width, height)
	buf:=make([]float64, 0, tm.Grid.TileSize*tm.Grid.TileSize)
	fallbacks:=0
	for i:=range tm.Grid.Tiles {
		r:=tm.Grid.Tiles[i].Interior
		buf=gather(buf, data, mask, width, r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
		level, std:=full.Median, full.Std
		if 2*len(buf)>=r.Dx()*r.Dy() {
			if c:=stats.ClippedStats(buf, tm.Clip); c.N>0 {
				level, std=c.Median, c.Std
			} else {
				fallbacks++
			}
		} else {
			fallbacks++
		}
		for y:=r.Min.Y; y<r.Max.Y; y++ {
			for x:=r.Min.X; x<r.Max.X; x++ {
				res.Level[y*width+x], res.Std[y*width+x]=float32(level), float32(std)
			}
		}
	}
	if fallbacks>0 {
		fmt.Fprintf(logWriter, "%d: Warning: %d of %d tiles have too few valid background pixels, using frame statistics\n", id, fallbacks, len(tm.Grid.Tiles))
	}
	return res, nil
}
