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


package qsort

// Floating point types supported by the selection routines
type Float interface {
	~float32 | ~float64
}

// Sort an array of floats in ascending order.
// Array must not contain IEEE NaN
func QSort[T Float](a []T) {
    if len(a)>1 {
        index := QPartition(a)
        QSort(a[:index+1])
        QSort(a[index+1:])
    }
}

// Partitions an array of floats with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func QPartition[T Float](a []T) int {
    left, right:=0, len(a)-1
    mid   := (left+right)>>1
    pivot := a[mid]
    l := left -1
    r := right+1
    for {
        for {
            l++
            if a[l]>=pivot { break }
        }
        for {
            r--
            if a[r]<=pivot { break }
        }
        if l >= r { return r }
        a[l], a[r] = a[r], a[l]
    }
}

// Select kth lowest element from an array of floats, counting from 1. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelect[T Float](a []T, k int) T {
    left, right:=0, len(a)-1
    for left<right {
        index:=QPartition(a[left:right+1])+left
        offset:=index-left+1
        if k<=offset {
            right=index
        } else {
            left=index+1
            k=k-offset
        }
    }
    return a[left]
}

// Select median of an array of floats. For even lengths, returns the mean of the two middle elements.
// Partially reorders the array. Array must not be empty and must not contain IEEE NaN
func QSelectMedian[T Float](a []T) T {
    n:=len(a)
    upper:=QSelect(a, (n>>1)+1)
    if (n&1)!=0 { return upper }
    // after selection, all elements left of the median position are less or equal
    lower:=a[0]
    for _, v:=range a[:n>>1] {
        if v>lower { lower=v }
    }
    return 0.5*(lower+upper)
}

// Select median of an array of float32. Partially reorders the array.
func QSelectMedianFloat32(a []float32) float32 { return QSelectMedian(a) }

// Select median of an array of float64. Partially reorders the array.
func QSelectMedianFloat64(a []float64) float64 { return QSelectMedian(a) }

// Returns the median of a float64 slice without modifying it
func MedianFloat64(a []float64) float64 {
    if len(a)==0 { return 0 }
    tmp:=append([]float64(nil), a...)
    return QSelectMedian(tmp)
}
