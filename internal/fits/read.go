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
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/astrogo/fitsio"
)

// Keys describing the data layout, which are not kept in the Header maps
var structuralKeys = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true, "NAXIS3": true,
	"EXTEND": true, "BZERO": true, "BSCALE": true, "END": true, "PCOUNT": true, "GCOUNT": true,
	"XTENSION": true,
}

func ReadFile(fileName string, id int) (*Image, error) {
	i := NewImage()
	i.ID = id
	return i, i.ReadFile(fileName)
}

// Read FITS data from the file with the given name. Decompresses gzip if .gz or gzip suffix is present.
func (fits *Image) ReadFile(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	fits.FileName = fileName
	if lExt := strings.ToLower(path.Ext(fileName)); lExt == ".gz" || lExt == ".gzip" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		// fitsio needs to seek
		buf, err := io.ReadAll(gz)
		if err != nil {
			return fmt.Errorf("%d: %s: %w", fits.ID, fileName, err)
		}
		r = bytes.NewReader(buf)
	}
	return fits.Read(r)
}

// Reads the first image HDU with data from the given stream
func (fits *Image) Read(r io.Reader) error {
	f, err := fitsio.Open(r)
	if err != nil {
		return fmt.Errorf("%d: %w", fits.ID, err)
	}
	defer f.Close()

	var img fitsio.Image
	for _, hdu := range f.HDUs() {
		if im, ok := hdu.(fitsio.Image); ok && len(im.Header().Axes()) >= 2 {
			img = im
			break
		}
	}
	if img == nil {
		return fmt.Errorf("%d: no two-dimensional image HDU found", fits.ID)
	}

	hdr := img.Header()
	fits.Bitpix = int32(hdr.Bitpix())
	axes := hdr.Axes()
	fits.Naxisn = make([]int32, len(axes))
	fits.Pixels = 1
	for i, a := range axes {
		fits.Naxisn[i] = int32(a)
		fits.Pixels *= int32(a)
	}
	fits.Header = NewHeader()
	fits.Header.read(hdr)

	bzero, bscale := 0.0, 1.0
	if c := hdr.Get("BZERO"); c != nil {
		bzero = toFloat(c.Value, 0)
	}
	if c := hdr.Get("BSCALE"); c != nil {
		bscale = toFloat(c.Value, 1)
	}
	if e, err := fits.HeaderFloat("EXPOSURE"); err == nil {
		fits.Exposure = float32(e)
	} else if e, err := fits.HeaderFloat("EXPTIME"); err == nil {
		fits.Exposure = float32(e)
	}
	return fits.readData(img, bzero, bscale)
}

// Reads image data, converting to float32 and applying bzero and bscale
func (fits *Image) readData(img fitsio.Image, bzero, bscale float64) error {
	n := int(fits.Pixels)
	fits.Data = make([]float32, n)
	conv := func(i int, v float64) { fits.Data[i] = float32(bzero + bscale*v) }

	var err error
	switch fits.Bitpix {
	case 8:
		raw := make([]byte, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, float64(v))
			}
		}
	case 16:
		raw := make([]int16, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, float64(v))
			}
		}
	case 32:
		raw := make([]int32, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, float64(v))
			}
		}
	case 64:
		raw := make([]int64, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, float64(v))
			}
		}
	case -32:
		raw := make([]float32, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, float64(v))
			}
		}
	case -64:
		raw := make([]float64, n)
		if err = img.Read(&raw); err == nil {
			for i, v := range raw {
				conv(i, v)
			}
		}
	default:
		return fmt.Errorf("%d: unknown BITPIX value %d", fits.ID, fits.Bitpix)
	}
	if err != nil {
		return fmt.Errorf("%d: reading %s: %w", fits.ID, fits.FileName, err)
	}
	fits.Bitpix = -32
	return nil
}

// Copies non-structural cards into the typed maps
func (h *Header) read(hdr *fitsio.Header) {
	for _, k := range hdr.Keys() {
		c := hdr.Get(k)
		if c == nil {
			continue
		}
		switch k {
		case "HISTORY":
			h.History = append(h.History, fmt.Sprint(c.Value))
			continue
		case "COMMENT":
			h.Comments = append(h.Comments, fmt.Sprint(c.Value))
			continue
		}
		if structuralKeys[k] {
			continue
		}
		switch v := c.Value.(type) {
		case bool:
			h.Bools[k] = v
		case int:
			h.Ints[k] = int64(v)
		case int64:
			h.Ints[k] = v
		case float64:
			h.Floats[k] = v
		case float32:
			h.Floats[k] = float64(v)
		case string:
			h.Strings[k] = v
		}
	}
}

func toFloat(v interface{}, def float64) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case float32:
		return float64(x)
	}
	return def
}
