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

// Package psf evaluates spatially varying PSFEx point spread function models,
// and resamples them onto the image pixel grid for convolution and photometry.
package psf

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
)

// A PSFEx model: a stack of basis rasters whose polynomial combination
// in normalized image coordinates yields the local PSF
type Model struct {
	PolZero  [2]float64 // Polynomial offsets in x and y, FITS 1-based pixels
	PolScale [2]float64 // Polynomial scales in x and y
	PolDeg   int        // Polynomial degree. Zero for a constant PSF
	FWHM     float64    // Average full width at half maximum, in image pixels
	Sampling float64    // Image pixels per basis pixel
	Size     int        // Edge length of each basis raster, in basis pixels
	NCoeff   int        // Number of basis rasters
	Basis    []float64  // NCoeff rasters of Size x Size, row-major
}

var ErrModel = errors.New("invalid PSF model")

// Number of polynomial terms for a given degree
func NumTerms(deg int) int { return (deg + 1) * (deg + 2) / 2 }

// Reads a PSFEx model from a .psf file. Decompresses gzip if a .gz suffix is present
func ReadFile(fileName string) (*Model, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if lower := strings.ToLower(fileName); strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".gzip") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	m, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return m, nil
}

// Reads a PSFEx model from the given stream
func Read(r io.Reader) (*Model, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tbl *fitsio.Table
	for _, hdu := range f.HDUs() {
		if t, ok := hdu.(*fitsio.Table); ok {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, fmt.Errorf("%w: no binary table extension", ErrModel)
	}

	hdr := tbl.Header()
	m := &Model{}
	for i, key := range []string{"POLZERO1", "POLZERO2"} {
		if m.PolZero[i], err = cardFloat(hdr, key, 0); err != nil {
			return nil, err
		}
	}
	for i, key := range []string{"POLSCAL1", "POLSCAL2"} {
		if m.PolScale[i], err = cardFloat(hdr, key, 1); err != nil {
			return nil, err
		}
	}
	deg, err := cardFloat(hdr, "POLDEG1", 0)
	if err != nil {
		return nil, err
	}
	m.PolDeg = int(deg)
	if m.FWHM, err = cardFloat(hdr, "PSF_FWHM", math.NaN()); err != nil {
		return nil, err
	}
	if m.Sampling, err = cardFloat(hdr, "PSF_SAMP", 1); err != nil {
		return nil, err
	}
	size, err := cardFloat(hdr, "PSFAXIS1", math.NaN())
	if err != nil {
		return nil, err
	}
	m.Size = int(size)
	ncoeff, err := cardFloat(hdr, "PSFAXIS3", float64(NumTerms(m.PolDeg)))
	if err != nil {
		return nil, err
	}
	m.NCoeff = int(ncoeff)

	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%w: empty PSF_MASK table", ErrModel)
	}
	var row struct {
		Mask []float32 `fits:"PSF_MASK"`
	}
	if err := rows.Scan(&row); err != nil {
		return nil, err
	}
	m.Basis = make([]float64, len(row.Mask))
	for i, v := range row.Mask {
		m.Basis[i] = float64(v)
	}
	return m, m.Validate()
}

func cardFloat(hdr *fitsio.Header, key string, def float64) (float64, error) {
	card := hdr.Get(key)
	if card == nil {
		if math.IsNaN(def) {
			return 0, fmt.Errorf("%w: header lacks key %s", ErrModel, key)
		}
		return def, nil
	}
	switch v := card.Value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: key %s has non-numeric value %v", ErrModel, key, card.Value)
	}
}

// Checks the model for internal consistency
func (m *Model) Validate() error {
	switch {
	case m.Size <= 0:
		return fmt.Errorf("%w: basis size %d", ErrModel, m.Size)
	case m.PolDeg < 0:
		return fmt.Errorf("%w: polynomial degree %d", ErrModel, m.PolDeg)
	case m.NCoeff < 1 || (m.PolDeg > 0 && m.NCoeff < NumTerms(m.PolDeg)):
		return fmt.Errorf("%w: %d coefficients for degree %d", ErrModel, m.NCoeff, m.PolDeg)
	case len(m.Basis) != m.NCoeff*m.Size*m.Size:
		return fmt.Errorf("%w: basis holds %d values, expected %d", ErrModel, len(m.Basis), m.NCoeff*m.Size*m.Size)
	case !(m.Sampling > 0):
		return fmt.Errorf("%w: sampling %g", ErrModel, m.Sampling)
	case m.PolScale[0] == 0 || m.PolScale[1] == 0:
		return fmt.Errorf("%w: zero polynomial scale", ErrModel)
	}
	return nil
}

// Evaluates the native-sampling PSF at FITS 1-based image coordinates x, y.
// With single set, or a degree zero model, returns the constant basis.
// Allocates dst if nil
func (m *Model) Eval(dst []float64, x, y float64, single bool) []float64 {
	n := m.Size * m.Size
	if dst == nil {
		dst = make([]float64, n)
	}
	if single || m.PolDeg == 0 || m.NCoeff == 1 {
		copy(dst, m.Basis[:n])
		return dst
	}
	for i := range dst {
		dst[i] = 0
	}
	xn := (x - m.PolZero[0]) / m.PolScale[0]
	yn := (y - m.PolZero[1]) / m.PolScale[1]
	for k, c := range m.Terms(xn, yn) {
		basis := m.Basis[k*n : (k+1)*n]
		for i, b := range basis {
			dst[i] += c * b
		}
	}
	return dst
}

// Polynomial terms in PSFEx order: x^i y^j for j in 0..deg, i in 0..deg-j
func (m *Model) Terms(xn, yn float64) []float64 {
	terms := make([]float64, 0, NumTerms(m.PolDeg))
	yp := 1.0
	for j := 0; j <= m.PolDeg; j++ {
		xp := 1.0
		for i := 0; i <= m.PolDeg-j; i++ {
			terms = append(terms, xp*yp)
			xp *= xn
		}
		yp *= yn
	}
	return terms
}
