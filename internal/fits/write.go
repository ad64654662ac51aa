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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
)

// Writes a FITS image with float32 data to the file with the given name
func (f *Image) WriteFile(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(file)
	if err := f.Write(writer); err != nil {
		file.Close()
		return fmt.Errorf("%d: writing %s: %w", f.ID, fileName, err)
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Writes a FITS image with float32 data and the header keys to the given writer
func (f *Image) Write(w io.Writer) error {
	out, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	axes := make([]int, len(f.Naxisn))
	for i, a := range f.Naxisn {
		axes[i] = int(a)
	}
	img := fitsio.NewImage(-32, axes)
	defer img.Close()

	if err := img.Header().Append(f.Header.cards()...); err != nil {
		return err
	}
	if err := img.Write(&f.Data); err != nil {
		return err
	}
	if err := out.Write(img); err != nil {
		return err
	}
	return out.Close()
}

// Header maps as FITS cards, in key order
func (h Header) cards() []fitsio.Card {
	cards := make([]fitsio.Card, 0, len(h.Bools)+len(h.Ints)+len(h.Floats)+len(h.Strings)+len(h.History)+len(h.Comments))
	for _, k := range h.Keys() {
		if structuralKeys[k] {
			continue
		}
		var v interface{}
		if b, ok := h.Bools[k]; ok {
			v = b
		} else if i, ok := h.Ints[k]; ok {
			v = int(i)
		} else if fl, ok := h.Floats[k]; ok {
			v = fl
		} else {
			v = h.Strings[k]
		}
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	for _, c := range h.Comments {
		cards = append(cards, fitsio.Card{Name: "COMMENT", Comment: c})
	}
	for _, c := range h.History {
		cards = append(cards, fitsio.Card{Name: "HISTORY", Comment: c})
	}
	return cards
}
