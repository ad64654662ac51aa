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

package stats

import (
	"math"

	"github.com/mlnoga/zogy/internal/qsort"
	"gonum.org/v1/gonum/stat"
)

// Settings for iterative sigma clipping
type ClipOptions struct {
	NSigma    float64 `yaml:"nsigma"`    // samples beyond mean +/- NSigma*std are discarded in each iteration
	MaxIters  int     `yaml:"maxIters"`  // upper bound on clipping iterations
	Epsilon   float64 `yaml:"epsilon"`   // stop once the relative change of the mean is below this
	ClipZeros bool    `yaml:"clipZeros"` // ignore exact zeros, which mark missing pixels
	UpperTrim float64 `yaml:"upperTrim"` // fraction of the brightest samples discarded before clipping, 0=off
	Mode      bool    `yaml:"mode"`      // also estimate the histogram mode
}

// Default clipping settings
func DefaultClipOptions() ClipOptions {
	return ClipOptions{NSigma: 3, MaxIters: 10, Epsilon: 1e-6, ClipZeros: true}
}

// Robust statistics of a sample, after sigma clipping
type Clipped struct {
	Mean   float64
	Median float64
	Std    float64
	Mode   float64 // only set if requested
	N      int     // number of samples retained
	Iters  int     // number of clipping iterations performed

	// median and mean differ by more than 10%, which hints at crowding or a gradient
	Skewed bool
}

// Calculates sigma-clipped mean, median and standard deviation. The input is not modified.
// All statistics are NaN if no samples remain.
func ClippedStats(data []float64, opt ClipOptions) Clipped {
	arr:=make([]float64, 0, len(data))
	for _, v:=range data {
		if math.IsNaN(v) || math.IsInf(v, 0) { continue }
		if opt.ClipZeros && v==0          { continue }
		arr=append(arr, v)
	}
	if opt.UpperTrim>0 && len(arr)>0 {
		qsort.QSort(arr)
		keep:=int((1-opt.UpperTrim)*float64(len(arr))+0.5)
		if keep<1 { keep=1 }
		arr=arr[:keep]
	}
	return clipInPlace(arr, opt)
}

// Sigma-clips the given scratch array, which is reordered and truncated
func clipInPlace(arr []float64, opt ClipOptions) Clipped {
	if len(arr)==0 {
		nan:=math.NaN()
		return Clipped{Mean: nan, Median: nan, Std: nan, Mode: nan}
	}

	res:=Clipped{}
	meanOld:=math.Inf(1)
	var mean, std float64
	for res.Iters=0; res.Iters<opt.MaxIters; res.Iters++ {
		mean, std=stat.PopMeanStdDev(arr, nil)
		if mean!=0 && math.Abs(meanOld-mean)/math.Abs(mean)<opt.Epsilon { break }
		if std==0 { break }
		meanOld=mean

		lo, hi:=mean-opt.NSigma*std, mean+opt.NSigma*std
		n:=0
		for _, v:=range arr {
			if v>lo && v<hi {
				arr[n]=v
				n++
			}
		}
		if n==0 { break }
		arr=arr[:n]
	}

	res.Mean, res.Std, res.N=mean, std, len(arr)
	if opt.Mode {
		res.Mode=mode(arr, mean, std)
	}
	res.Median=qsort.QSelectMedianFloat64(arr)
	if mean!=0 && math.Abs(res.Median-mean)/math.Abs(mean)>0.1 {
		res.Skewed=true
	}
	return res
}

// Histogram mode of a clipped sample
func mode(arr []float64, mean, std float64) float64 {
	if std==0 || len(arr)<10 { return mean }
	numBins:=int(math.Sqrt(float64(len(arr))))
	if numBins>256 { numBins=256 }
	min, max:=mean-3*std, mean+3*std
	bins:=make([]int32, numBins)
	Histogram(arr, min, max, bins)
	m, _, err:=GetModeStdDevFromHistogram(bins, min, max, std)
	if err!=nil || m<min || m>max {
		m, _=GetPeak(bins, min, max)
	}
	return m
}

// Population mean and standard deviation, ignoring NaNs
func MeanStdDev(data []float64) (mean, std float64) {
	n:=0
	for _, v:=range data {
		if !math.IsNaN(v) { n++ }
	}
	if n==len(data) { return stat.PopMeanStdDev(data, nil) }
	tmp:=make([]float64, 0, n)
	for _, v:=range data {
		if !math.IsNaN(v) { tmp=append(tmp, v) }
	}
	if len(tmp)==0 { return math.NaN(), math.NaN() }
	return stat.PopMeanStdDev(tmp, nil)
}
