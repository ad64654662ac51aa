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

package star

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

var ErrCatalog = errors.New("invalid catalog")

// A SExtractor-style ASCII catalog: numbered column headers followed by whitespace-separated rows
type Table struct {
	Columns map[string]int // 0-based column index by name
	Rows    [][]float64
}

// Reads an ASCII_HEAD catalog as written by SExtractor and PSFEx
func ReadTable(r io.Reader) (*Table, error) {
	t := &Table{Columns: map[string]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			fields := strings.Fields(line[1:])
			if len(fields) < 2 {
				continue
			}
			idx, err := strconv.Atoi(fields[0])
			if err != nil || idx < 1 {
				continue
			}
			t.Columns[fields[1]] = idx - 1
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %d: %v", ErrCatalog, lineNo, i+1, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Values of the named column. Errors if the column is missing or a row is too short
func (t *Table) Column(name string) ([]float64, error) {
	idx, ok := t.Columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing column %s", ErrCatalog, name)
	}
	res := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		if idx >= len(row) {
			return nil, fmt.Errorf("%w: row %d lacks column %s", ErrCatalog, i+1, name)
		}
		res[i] = row[idx]
	}
	return res, nil
}

// Reads PSF calibration stars from a PSFEx output catalog with columns SOURCE_NUMBER,
// X_IMAGE, Y_IMAGE and NORM_PSF. Sky coordinates are taken from ALPHAWIN_J2000 and
// DELTAWIN_J2000 if present
func ReadPSFCatalog(r io.Reader) ([]Star, error) {
	t, err := ReadTable(r)
	if err != nil {
		return nil, err
	}
	cols := map[string][]float64{}
	for _, name := range []string{"X_IMAGE", "Y_IMAGE", "NORM_PSF"} {
		if cols[name], err = t.Column(name); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{"SOURCE_NUMBER", "ALPHAWIN_J2000", "DELTAWIN_J2000"} {
		if c, err := t.Column(name); err == nil {
			cols[name] = c
		}
	}

	stars := make([]Star, len(t.Rows))
	for i := range stars {
		s := &stars[i]
		s.Number = i + 1
		if num, ok := cols["SOURCE_NUMBER"]; ok {
			s.Number = int(num[i])
		}
		s.X, s.Y, s.Norm = cols["X_IMAGE"][i], cols["Y_IMAGE"][i], cols["NORM_PSF"][i]
		if ra, ok := cols["ALPHAWIN_J2000"]; ok {
			s.RA = ra[i]
		}
		if dec, ok := cols["DELTAWIN_J2000"]; ok {
			s.Dec = dec[i]
		}
	}
	return stars, nil
}

// Sky position of an extracted source
type SkyPos struct {
	RA  float64 `fits:"ALPHAWIN_J2000"`
	Dec float64 `fits:"DELTAWIN_J2000"`
}

// Reads source sky positions from a SExtractor FITS_LDAC catalog, indexed by source number - 1
func ReadLDACSky(r io.Reader) ([]SkyPos, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdus := f.HDUs()
	var tbl *fitsio.Table
	for i := len(hdus) - 1; i >= 0; i-- {
		if t, ok := hdus[i].(*fitsio.Table); ok && t.Index("ALPHAWIN_J2000") >= 0 {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, fmt.Errorf("%w: no table with ALPHAWIN_J2000 and DELTAWIN_J2000", ErrCatalog)
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]SkyPos, 0, tbl.NumRows())
	for rows.Next() {
		var p SkyPos
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Sets each star's sky position from the source with the same number
func AttachSky(stars []Star, sky []SkyPos) error {
	for i := range stars {
		n := stars[i].Number
		if n < 1 || n > len(sky) {
			return fmt.Errorf("%w: source number %d outside sky catalog of %d", ErrCatalog, n, len(sky))
		}
		stars[i].RA, stars[i].Dec = sky[n-1].RA, sky[n-1].Dec
	}
	return nil
}

// Loads calibration stars from a PSFEx catalog, taking sky positions from an optional
// SExtractor catalog. The latter may be FITS_LDAC or ASCII
func LoadCalibrationStars(psfCatFile, sexCatFile string) ([]Star, error) {
	f, err := os.Open(psfCatFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stars, err := ReadPSFCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", psfCatFile, err)
	}
	if sexCatFile == "" {
		return stars, nil
	}

	buf, err := os.ReadFile(sexCatFile)
	if err != nil {
		return nil, err
	}
	var sky []SkyPos
	if bytes.HasPrefix(buf, []byte("SIMPLE")) {
		sky, err = ReadLDACSky(bytes.NewReader(buf))
	} else {
		sky, err = readASCIISky(bytes.NewReader(buf))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sexCatFile, err)
	}
	return stars, AttachSky(stars, sky)
}

func readASCIISky(r io.Reader) ([]SkyPos, error) {
	t, err := ReadTable(r)
	if err != nil {
		return nil, err
	}
	ra, err := t.Column("ALPHAWIN_J2000")
	if err != nil {
		return nil, err
	}
	dec, err := t.Column("DELTAWIN_J2000")
	if err != nil {
		return nil, err
	}
	res := make([]SkyPos, len(ra))
	for i := range res {
		res[i] = SkyPos{ra[i], dec[i]}
	}
	return res, nil
}
