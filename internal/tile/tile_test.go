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

package tile

import (
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverage(t *testing.T) {
	cases:=[]struct{ w, h, size, border int; mode RemainderMode }{
		{100, 100, 50, 10, RemainderShort},
		{101, 77, 50, 10, RemainderShort},
		{30, 20, 50, 8, RemainderShort},
		{105, 100, 50, 10, RemainderFold},
		{1, 1, 4, 2, RemainderShort},
		{2000, 2100, 500, 32, RemainderShort},
		{2000, 2030, 500, 32, RemainderFold},
	}
	for _, c:=range cases {
		g, err:=New(c.w, c.h, c.size, c.border, c.mode)
		require.NoError(t, err, "%+v", c)
		require.Equal(t, g.Rows*g.Cols, len(g.Tiles))

		owner:=make([]int, c.w*c.h)
		for i, tl:=range g.Tiles {
			assert.Equal(t, i, tl.Index)
			for y:=tl.Interior.Min.Y; y<tl.Interior.Max.Y; y++ {
				for x:=tl.Interior.Min.X; x<tl.Interior.Max.X; x++ {
					owner[y*c.w+x]++
				}
			}
			// padded placement plus margins reconstructs the working buffer
			size:=tl.Offset.Add(tl.Padded.Size()).Add(tl.Margin)
			assert.Equal(t, image.Pt(g.BufSize, g.BufSize), size, "%+v tile %d", c, i)
			assert.True(t, tl.Offset.X>=0 && tl.Offset.Y>=0 && tl.Margin.X>=0 && tl.Margin.Y>=0)
			// the interior always starts at the border inside the buffer
			assert.Equal(t, image.Pt(c.border, c.border), tl.InteriorInBuffer().Min)
			assert.True(t, tl.Interior.In(tl.Padded))
		}
		for i, n:=range owner {
			if n!=1 {
				t.Fatalf("%+v: pixel %d covered %d times", c, i, n)
			}
		}
	}
}

func TestTileDescriptors(t *testing.T) {
	g, err:=New(100, 60, 50, 10, RemainderShort)
	require.NoError(t, err)
	require.Equal(t, 2, g.Rows)
	require.Equal(t, 2, g.Cols)

	expect:=[]Tile{
		{Index: 0, Row: 0, Col: 0, Center: image.Pt(25, 25),
			Interior: image.Rect(0, 0, 50, 50), Padded: image.Rect(0, 0, 60, 60),
			Offset: image.Pt(10, 10), Margin: image.Pt(0, 0)},
		{Index: 1, Row: 0, Col: 1, Center: image.Pt(75, 25),
			Interior: image.Rect(50, 0, 100, 50), Padded: image.Rect(40, 0, 100, 60),
			Offset: image.Pt(0, 10), Margin: image.Pt(10, 0)},
		{Index: 2, Row: 1, Col: 0, Center: image.Pt(25, 55),
			Interior: image.Rect(0, 50, 50, 60), Padded: image.Rect(0, 40, 60, 60),
			Offset: image.Pt(10, 0), Margin: image.Pt(0, 50)},
		{Index: 3, Row: 1, Col: 1, Center: image.Pt(75, 55),
			Interior: image.Rect(50, 50, 100, 60), Padded: image.Rect(40, 40, 100, 60),
			Offset: image.Pt(0, 0), Margin: image.Pt(10, 50)},
	}
	if diff:=cmp.Diff(expect, g.Tiles); diff!="" {
		t.Errorf("tiles mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigurationErrors(t *testing.T) {
	_, err:=New(100, 100, 51, 10, RemainderShort)
	assert.True(t, errors.Is(err, ErrOddBuffer))

	_, err=New(130, 100, 50, 10, RemainderFold)
	assert.True(t, errors.Is(err, ErrGeometry))

	_, err=New(0, 100, 50, 10, RemainderShort)
	assert.True(t, errors.Is(err, ErrGeometry))

	_, err=New(100, 100, 0, 10, RemainderShort)
	assert.True(t, errors.Is(err, ErrGeometry))
}

func TestFoldWidensLastTile(t *testing.T) {
	g, err:=New(108, 100, 50, 10, RemainderFold)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Cols)
	assert.Equal(t, image.Rect(50, 0, 108, 50), g.Tiles[1].Interior)
}

func TestExtractStitchRoundTrip(t *testing.T) {
	w, h:=37, 23
	g, err:=New(w, h, 16, 4, RemainderShort)
	require.NoError(t, err)

	src:=make([]float32, w*h)
	for i:=range src { src[i]=float32(i+1) }
	dst:=make([]float32, w*h)
	buf:=make([]float64, g.BufSize*g.BufSize)
	for i:=range g.Tiles {
		tl:=&g.Tiles[i]
		g.Extract(buf, src, tl)
		// pixels outside the padded cutout are zero
		pad:=tl.PaddedInBuffer()
		for y:=0; y<g.BufSize; y++ {
			for x:=0; x<g.BufSize; x++ {
				if !image.Pt(x, y).In(pad) {
					require.Equal(t, 0.0, buf[y*g.BufSize+x])
				}
			}
		}
		g.Stitch(dst, buf, tl)
	}
	assert.Equal(t, src, dst)
}

func TestTileAt(t *testing.T) {
	g, err:=New(100, 100, 50, 10, RemainderShort)
	require.NoError(t, err)
	assert.Equal(t, 3, g.TileAt(image.Pt(75, 99)).Index)
	assert.Nil(t, g.TileAt(image.Pt(100, 0)))
}
