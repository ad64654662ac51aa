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

// Package star holds calibration star records, reads them from source extraction
// catalogs, and indexes them for nearest neighbour search.
package star

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// A calibration star, as measured by source extraction and PSF fitting
type Star struct {
	Number int     // 1-based source number in the extraction catalog
	X      float64 // FITS 1-based pixel x position
	Y      float64 // FITS 1-based pixel y position
	RA     float64 // Right ascension in degrees
	Dec    float64 // Declination in degrees
	Norm   float64 // PSF-normalized amplitude
}

// Prints given array of stars as CSV
func PrintStars(w io.Writer, stars []Star) {
	fmt.Fprintln(w, "Number,X,Y,RA,Dec,Norm")
	for _, s := range stars {
		fmt.Fprintf(w, "%d,%g,%g,%.7f,%.7f,%g\n", s.Number, s.X, s.Y, s.RA, s.Dec, s.Norm)
	}
}

// A point in a plane, carrying the index of the record it was derived from
type Point struct {
	X, Y  float64
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

func (p Point) Dims() int { return 2 }

// Squared euclidean distance
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

// Points satisfies kdtree.Interface
type Points []Point

func (p Points) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points) Len() int                              { return len(p) }
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{Points: p, Dim: d}))
}

// Sorts Points along one dimension for partitioning
type pointPlane struct {
	Points
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.Points[i].X < p.Points[j].X
	}
	return p.Points[i].Y < p.Points[j].Y
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// A static 2-d tree for nearest neighbour queries
type Tree struct {
	tree *kdtree.Tree
	n    int
}

// Builds a tree over a copy of the given points
func NewTree(points []Point) *Tree {
	cp := make(Points, len(points))
	copy(cp, points)
	if len(cp) == 0 {
		return &Tree{}
	}
	return &Tree{tree: kdtree.New(cp, false), n: len(cp)}
}

func (t *Tree) Len() int { return t.n }

// Nearest point to q and its euclidean distance. Returns false for an empty tree
func (t *Tree) Nearest(q Point) (Point, float64, bool) {
	if t.n == 0 {
		return Point{}, 0, false
	}
	c, d2 := t.tree.Nearest(q)
	if c == nil {
		return Point{}, 0, false
	}
	return c.(Point), math.Sqrt(d2), true
}
