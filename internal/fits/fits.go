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

package fits

import (
	"fmt"
	"sort"
)

// A FITS image.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output. By convention new is 0, reference is 1
	FileName string // Original file name, if any, for log output.

	Header Header   // The header with all non-structural keys and values
	Bitpix int32    // Bits per pixel value from the header. Positive values are integral, negative floating.
	Naxisn []int32  // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32    // Number of pixels in the image. Product of Naxisn[]

	Data []float32 // The image data, with BZERO and BSCALE applied

	Exposure float32 // Image exposure in seconds
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{Header: NewHeader()}
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Header: NewHeader(),
		Bitpix: -32,
		Naxisn: append([]int32(nil), naxisn...),
		Pixels: numPixels,
		Data:   data,
	}
}

// Creates a FITS image with the same dimensions and header as the given one, and new data
func NewImageFromImage(img *Image, data []float32) *Image {
	res := NewImageFromNaxisn(img.Naxisn, data)
	res.ID, res.FileName, res.Exposure = img.ID, img.FileName, img.Exposure
	res.Header = img.Header.Clone()
	return res
}

func (f *Image) Width() int  { return int(f.Naxisn[0]) }
func (f *Image) Height() int { return int(f.Naxisn[1]) }

func (f *Image) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", f.Naxisn[0], f.Naxisn[1])
}

// Value of a numeric header key. Integers are converted
func (f *Image) HeaderFloat(key string) (float64, error) {
	if v, ok := f.Header.Floats[key]; ok {
		return v, nil
	}
	if v, ok := f.Header.Ints[key]; ok {
		return float64(v), nil
	}
	return 0, fmt.Errorf("%d: FITS header of %s does not contain numeric key %s", f.ID, f.FileName, key)
}

// Value of a numeric header key, or the default if absent
func (f *Image) HeaderFloatOr(key string, def float64) float64 {
	if v, err := f.HeaderFloat(key); err == nil {
		return v
	}
	return def
}

// Pixel validity from a mask image: true where the mask is zero
func (f *Image) Valid() []bool {
	res := make([]bool, len(f.Data))
	for i, v := range f.Data {
		res[i] = v == 0
	}
	return res
}

// Data converted to float64
func (f *Image) Float64() []float64 {
	res := make([]float64, len(f.Data))
	for i, v := range f.Data {
		res[i] = float64(v)
	}
	return res
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int64
	Floats   map[string]float64
	Strings  map[string]string
	Comments []string
	History  []string
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int64),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
	}
}

// Deep copy
func (h Header) Clone() Header {
	res := NewHeader()
	for k, v := range h.Bools {
		res.Bools[k] = v
	}
	for k, v := range h.Ints {
		res.Ints[k] = v
	}
	for k, v := range h.Floats {
		res.Floats[k] = v
	}
	for k, v := range h.Strings {
		res.Strings[k] = v
	}
	res.Comments = append(res.Comments, h.Comments...)
	res.History = append(res.History, h.History...)
	return res
}

// All keys with values, sorted
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h.Bools)+len(h.Ints)+len(h.Floats)+len(h.Strings))
	for k := range h.Bools {
		keys = append(keys, k)
	}
	for k := range h.Ints {
		keys = append(keys, k)
	}
	for k := range h.Floats {
		keys = append(keys, k)
	}
	for k := range h.Strings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
