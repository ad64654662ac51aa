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

	"gonum.org/v1/gonum/optimize"
)

// Calculate histogram of data between min and max into given bins.
// Values outside [min,max] are ignored.
func Histogram(data []float64, min, max float64, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	if max <= min {
		return
	}
	scale := float64(len(bins)) / (max - min)
	for _, d := range data {
		if d < min || d > max {
			continue
		}
		index := int((d - min) * scale)
		if index >= len(bins) {
			index = len(bins) - 1
		}
		bins[index]++
	}
}

// Returns the center and the count of the fullest histogram bin
func GetPeak(bins []int32, min, max float64) (x, y float64) {
	maxIndex, maxValue := 0, int32(math.MinInt32)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	x = min + (float64(maxIndex)+0.5)*(max-min)/float64(len(bins))
	return x, float64(maxValue)
}

// Calculates the mode and the standard deviation of the given histogram, by fitting a
// normal distribution to the bin counts. The fit starts from the fullest bin and the given
// initial width guess.
func GetModeStdDevFromHistogram(bins []int32, min, max, sigmaGuess float64) (mode, stdDev float64, err error) {
	// Take an educated initial guess: the maximum value of the histogram
	peak, peakVal := GetPeak(bins, min, max)
	if sigmaGuess <= 0 {
		sigmaGuess = (max - min) / float64(len(bins))
	}
	binWidth := (max - min) / float64(len(bins))

	// Now minimize the distance between the histogram and a normal distribution
	x0 := []float64{peakVal * sigmaGuess * math.Sqrt(2*math.Pi), peak, sigmaGuess}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], x[2]
			if sigma == 0 {
				return math.Inf(1)
			}
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := 0.0
			for i, y := range bins {
				x := min + (float64(i)+0.5)*binWidth
				xmusig := (x - mu) / sigma
				yPredict := scaler * math.Exp(-0.5*xmusig*xmusig)
				diff := float64(y) - yPredict
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return peak, sigmaGuess, err
	}
	return result.X[1], math.Abs(result.X[2]), nil
}
