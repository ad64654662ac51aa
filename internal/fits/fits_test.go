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
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func testImage() *Image {
	img := NewImageFromNaxisn([]int32{4, 3}, nil)
	for i := range img.Data {
		img.Data[i] = float32(i) * 1.5
	}
	img.Header.Floats["ARAWGAIN"] = 1.25
	img.Header.Ints["SATURATE"] = 60000
	img.Header.Strings["OBJECT"] = "field 17"
	img.Header.Bools["WCSFIX"] = true
	return img
}

func TestWriteRead(t *testing.T) {
	img := testImage()
	var buf bytes.Buffer
	require.NoError(t, img.Write(&buf))

	got := NewImage()
	require.NoError(t, got.Read(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, []int32{4, 3}, got.Naxisn)
	assert.Equal(t, int32(12), got.Pixels)
	assert.Equal(t, img.Data, got.Data)

	gain, err := got.HeaderFloat("ARAWGAIN")
	require.NoError(t, err)
	assert.Equal(t, 1.25, gain)
	sat, err := got.HeaderFloat("SATURATE")
	require.NoError(t, err)
	assert.Equal(t, 60000.0, sat)
	assert.Equal(t, "field 17", got.Header.Strings["OBJECT"])
	assert.True(t, got.Header.Bools["WCSFIX"])
	assert.NotContains(t, got.Header.Ints, "NAXIS1")
}

func TestWriteFileReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.fits")
	img := testImage()
	require.NoError(t, img.WriteFile(path))

	got, err := ReadFile(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ID)
	assert.Equal(t, path, got.FileName)
	assert.Equal(t, img.Data, got.Data)
}

func TestHeaderFloatMissing(t *testing.T) {
	img := testImage()
	img.ID = 7
	_, err := img.HeaderFloat("RDNOISE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RDNOISE")
	assert.Contains(t, err.Error(), "7:")
	assert.Equal(t, 4.5, img.HeaderFloatOr("RDNOISE", 4.5))
}

func TestValidAndFloat64(t *testing.T) {
	mask := NewImageFromNaxisn([]int32{3, 1}, []float32{0, 1, 0})
	assert.Equal(t, []bool{true, false, true}, mask.Valid())
	assert.Equal(t, []float64{0, 1, 0}, mask.Float64())
}

func TestCloneIsDeep(t *testing.T) {
	img := testImage()
	cp := NewImageFromImage(img, nil)
	cp.Header.Floats["ARAWGAIN"] = 2
	assert.Equal(t, 1.25, img.Header.Floats["ARAWGAIN"])
	assert.Equal(t, []string{"ARAWGAIN", "OBJECT", "SATURATE", "WCSFIX"}, img.Header.Keys())
}

func TestWriteMonoTIFF16(t *testing.T) {
	img := NewImageFromNaxisn([]int32{2, 2}, []float32{0, 1, 2, 4})
	var buf bytes.Buffer
	require.NoError(t, img.WriteMonoTIFF16(&buf, 0, 4, 1))

	dec, err := tiff.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), dec.Bounds())
	gray, ok := dec.(*image.Gray16)
	require.True(t, ok)
	// first FITS row at the bottom
	assert.Equal(t, uint16(0), gray.Gray16At(0, 1).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(1, 0).Y)
}
