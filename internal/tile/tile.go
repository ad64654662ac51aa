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

// Package tile partitions a frame into a row-major grid of tiles with padded borders,
// and moves pixels between full frames and fixed-size working buffers.
package tile

import (
	"errors"
	"fmt"
	"image"
)

// How pixels left over at the far edges are assigned to tiles
type RemainderMode int
const (
	RemainderShort RemainderMode = iota // emit a shorter final row or column of tiles
	RemainderFold                       // widen the last tile to the frame edge
)

var (
	ErrOddBuffer = errors.New("working buffer size tileSize+2*border must be even")
	ErrGeometry  = errors.New("invalid tiling geometry")
)

// An immutable tile descriptor. All rectangles are half-open, in 0-based frame pixel indices
type Tile struct {
	Index    int             // row-major index
	Row, Col int             // position in the grid
	Center   image.Point     // center pixel of the interior cutout
	Interior image.Rectangle // exclusive region of the frame owned by this tile
	Padded   image.Rectangle // interior grown by the border, clipped to the frame
	Offset   image.Point     // position of Padded.Min inside the working buffer
	Margin   image.Point     // zero-filled pixels after Padded.Max inside the working buffer
}

// Location of the interior cutout inside the working buffer
func (t *Tile) InteriorInBuffer() image.Rectangle {
	min:=t.Offset.Add(t.Interior.Min.Sub(t.Padded.Min))
	return image.Rectangle{min, min.Add(t.Interior.Size())}
}

// Location of the padded cutout inside the working buffer
func (t *Tile) PaddedInBuffer() image.Rectangle {
	return image.Rectangle{t.Offset, t.Offset.Add(t.Padded.Size())}
}

// A grid of tiles covering a frame
type Grid struct {
	Width, Height int
	TileSize      int
	Border        int
	BufSize       int // tileSize+2*border, the edge length of the square working buffer
	Rows, Cols    int
	Mode          RemainderMode
	Tiles         []Tile
}

// Partitions a frame of the given size into tiles. Returns an error for non-positive sizes,
// odd working buffers, or folded remainders which do not fit into the border.
func New(width, height, tileSize, border int, mode RemainderMode) (*Grid, error) {
	if width<=0 || height<=0 { return nil, fmt.Errorf("%w: frame size %dx%d", ErrGeometry, width, height) }
	if tileSize<=0 || border<0 { return nil, fmt.Errorf("%w: tile size %d border %d", ErrGeometry, tileSize, border) }
	bufSize:=tileSize+2*border
	if (bufSize&1)!=0 { return nil, fmt.Errorf("%w: got %d", ErrOddBuffer, bufSize) }

	xs, err:=splitAxis(width,  tileSize, border, mode)
	if err!=nil { return nil, err }
	ys, err:=splitAxis(height, tileSize, border, mode)
	if err!=nil { return nil, err }

	g:=&Grid{
		Width: width, Height: height, TileSize: tileSize, Border: border, BufSize: bufSize,
		Rows: len(ys)-1, Cols: len(xs)-1, Mode: mode,
	}
	frame:=image.Rect(0, 0, width, height)
	g.Tiles=make([]Tile, 0, g.Rows*g.Cols)
	for row:=0; row<g.Rows; row++ {
		for col:=0; col<g.Cols; col++ {
			interior:=image.Rect(xs[col], ys[row], xs[col+1], ys[row+1])
			padded  :=interior.Inset(-border).Intersect(frame)
			origin  :=interior.Min.Sub(image.Pt(border, border))
			offset  :=padded.Min.Sub(origin)
			margin  :=image.Pt(bufSize, bufSize).Sub(offset).Sub(padded.Size())
			g.Tiles=append(g.Tiles, Tile{
				Index:    row*g.Cols+col,
				Row:      row,
				Col:      col,
				Center:   interior.Min.Add(interior.Size().Div(2)),
				Interior: interior,
				Padded:   padded,
				Offset:   offset,
				Margin:   margin,
			})
		}
	}
	return g, nil
}

// Returns the tile boundaries along one axis, including both frame edges
func splitAxis(length, tileSize, border int, mode RemainderMode) ([]int, error) {
	full, rem:=length/tileSize, length%tileSize
	bounds:=make([]int, 0, full+2)
	for i:=0; i<=full; i++ {
		bounds=append(bounds, i*tileSize)
	}
	if rem==0 { return bounds, nil }
	if mode==RemainderFold && full>0 {
		if rem>border {
			return nil, fmt.Errorf("%w: remainder %d of axis length %d exceeds border %d, cannot fold", ErrGeometry, rem, length, border)
		}
		bounds[len(bounds)-1]=length
		return bounds, nil
	}
	return append(bounds, length), nil
}

// Extracts the padded cutout of the given tile from a full frame into a working buffer of size
// BufSize*BufSize. Buffer pixels outside the frame are set to zero.
func (g *Grid) Extract(dst []float64, src []float32, t *Tile) {
	for i:=range dst { dst[i]=0 }
	w:=t.Padded.Dx()
	for y:=t.Padded.Min.Y; y<t.Padded.Max.Y; y++ {
		s:=src[y*g.Width+t.Padded.Min.X : y*g.Width+t.Padded.Min.X+w]
		d:=dst[(y-t.Padded.Min.Y+t.Offset.Y)*g.BufSize+t.Offset.X:]
		for x, v:=range s { d[x]=float64(v) }
	}
}

// Extracts the padded cutout of a boolean frame mask into a working buffer. Buffer pixels
// outside the frame are false.
func (g *Grid) ExtractMask(dst []bool, src []bool, t *Tile) {
	for i:=range dst { dst[i]=false }
	w:=t.Padded.Dx()
	for y:=t.Padded.Min.Y; y<t.Padded.Max.Y; y++ {
		copy(dst[(y-t.Padded.Min.Y+t.Offset.Y)*g.BufSize+t.Offset.X:], src[y*g.Width+t.Padded.Min.X:y*g.Width+t.Padded.Min.X+w])
	}
}

// Copies the interior of a working buffer back into the full frame. Only the pixels owned by
// the tile are written, so distinct tiles can be stitched concurrently.
func (g *Grid) Stitch(dst []float32, src []float64, t *Tile) {
	in:=t.InteriorInBuffer()
	w:=t.Interior.Dx()
	for y:=0; y<t.Interior.Dy(); y++ {
		s:=src[(in.Min.Y+y)*g.BufSize+in.Min.X : (in.Min.Y+y)*g.BufSize+in.Min.X+w]
		d:=dst[(t.Interior.Min.Y+y)*g.Width+t.Interior.Min.X:]
		for x, v:=range s { d[x]=float32(v) }
	}
}

// Returns the tile whose interior contains the given 0-based pixel, or nil
func (g *Grid) TileAt(p image.Point) *Tile {
	for i:=range g.Tiles {
		if p.In(g.Tiles[i].Interior) { return &g.Tiles[i] }
	}
	return nil
}
