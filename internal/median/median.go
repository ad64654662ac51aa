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


package median

import (
	"math"
	"github.com/mlnoga/zogy/internal/qsort"
)

// Applies a size x size median filter to input data, assumed to be a 2D array with given line width,
// and stores results in output. Size must be odd. Pixels beyond the edges are mirrored including
// the edge pixel itself (d c b a | a b c d | d c b a), so the output has the same shape as the input.
func Filter(output, data []float64, width, size int) {
	if size<=1 {
		copy(output, data)
		return
	}
	height:=len(data)/width
	half:=size/2
	gathered:=make([]float64, size*size)
	for y:=0; y<height; y++ {
		for x:=0; x<width; x++ {
			j:=0
			for dy:=-half; dy<=half; dy++ {
				yoff:=reflect(y+dy, height)*width
				for dx:=-half; dx<=half; dx++ {
					gathered[j]=data[yoff+reflect(x+dx, width)]
					j++
				}
			}
			if size==3 {
				output[y*width+x]=MedianSlice9(gathered)
			} else {
				output[y*width+x]=qsort.QSelectMedianFloat64(gathered)
			}
		}
	}
}

// Maps an index into [0,n) by mirroring at the edges, repeatedly for windows larger than the axis
func reflect(i, n int) int {
	if n==1 { return 0 }
	for i<0 || i>=n {
		if i<0  { i=-i-1 }
		if i>=n { i=2*n-i-1 }
	}
	return i
}

// Calculates the median of a float64 slice of length nine
// Modifies the elements in place
// From https://stackoverflow.com/questions/45453537/optimal-9-element-sorting-network-that-reduces-to-an-optimal-median-of-9-network
// See also http://ndevilla.free.fr/median/median/src/optmed.c for other sizes
// Array must not contain IEEE NaN
func MedianSlice9(a []float64) float64 {       // 30x min/max
    if a[0]>a[1] { a[0], a[1] = a[1], a[0]}  // swap(a,0,1)
    if a[3]>a[4] { a[3], a[4] = a[4], a[3]}  // swap(a,3,4)
    if a[6]>a[7] { a[6], a[7] = a[7], a[6]}  // swap(a,6,7)
    if a[1]>a[2] { a[1], a[2] = a[2], a[1]}  // swap(a,1,2)
    if a[4]>a[5] { a[4], a[5] = a[5], a[4]}  // swap(a,4,5)
    if a[7]>a[8] { a[7], a[8] = a[8], a[7]}  // swap(a,7,8)
    if a[0]>a[1] { a[0], a[1] = a[1], a[0]}  // swap(a,0,1)
    if a[3]>a[4] { a[3], a[4] = a[4], a[3]}  // swap(a,3,4)
    if a[6]>a[7] { a[6], a[7] = a[7], a[6]}  // swap(a,6,7)
    if a[0]>a[3] { a[3]       = a[0]      }  // max (a,0,3)
    if a[3]>a[6] { a[6]       = a[3]      }  // max (a,3,6)
    if a[1]>a[4] { a[1], a[4] = a[4], a[1]}  // swap(a,1,4)
    if a[4]>a[7] { a[4]       = a[7]      }  // min (a,4,7)
    if a[1]>a[4] { a[4]       = a[1]      }  // max (a,1,4)
    if a[5]>a[8] { a[5]       = a[8]      }  // min (a,5,8)
    if a[2]>a[5] { a[2]       = a[5]      }  // min (a,2,5)
    if a[2]>a[4] { a[2], a[4] = a[4], a[2]}  // swap(a,2,4)
    if a[4]>a[6] { a[4]       = a[6]      }  // min (a,4,6)
    if a[2]>a[4] { a[4]       = a[2]      }  // max (a,2,4)
    return a[4]
}

// Calculates the median of a float64 slice
// Modifies the elements in place
// Array must not contain IEEE NaN
func Median(a []float64) float64 {
	if len(a)==0 { return math.NaN() }
	if len(a)==9 { return MedianSlice9(a) }
	return qsort.QSelectMedianFloat64(a)
}
