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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlnoga/zogy/internal/background"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/tile"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 2000, c.Tile.Size)
	assert.Equal(t, 32, c.Tile.Border)
	assert.Equal(t, 3.0, c.Calibration.RadiusArcsec)
	assert.Equal(t, 10, c.Calibration.MinLocal)

	bo, err := c.BackgroundOptions()
	require.NoError(t, err)
	assert.Equal(t, background.MethodMesh, bo.Method)
	assert.Equal(t, 256, bo.BoxSize)

	v, err := c.VarianceModel()
	require.NoError(t, err)
	assert.Equal(t, VarianceTotal, v)
	assert.Equal(t, psf.ParityOdd, c.Parity())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telescope.yaml")
	yml := `
tile:
  size: 1024
  remainder: fold
background:
  method: tile
calibration:
  radiusArcsec: 2.5
  fratioLocal: true
subtraction:
  variance: sky
header:
  gain: GAIN
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1024, c.Tile.Size)
	assert.Equal(t, 32, c.Tile.Border)
	assert.Equal(t, "tile", c.Background.Method)
	assert.Equal(t, 2.5, c.Calibration.RadiusArcsec)
	assert.Equal(t, 10, c.Calibration.MinLocal)
	assert.True(t, c.Calibration.FRatioLocal)
	assert.Equal(t, "GAIN", c.Header.Gain)
	assert.Equal(t, "RDNOISE", c.Header.ReadNoise)

	mode, err := c.RemainderMode()
	require.NoError(t, err)
	assert.Equal(t, tile.RemainderFold, mode)
	v, err := c.VarianceModel()
	require.NoError(t, err)
	assert.Equal(t, VarianceSky, v)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "zogy.yaml")
	c := Default()
	c.FakeStars.Count = 5
	c.PSF.Shift = "fourier"
	require.NoError(t, c.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tile: [1, 2"), 0644))
	_, err = Load(bad)
	assert.True(t, errors.Is(err, ErrConfig))

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("tile:\n  size: 1001\n"), 0644))
	_, err = Load(invalid)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestValidateCollectsErrors(t *testing.T) {
	c := Default()
	c.Background.Method = "polynomial"
	c.PSF.Shift = "sinc"
	c.Subtraction.Variance = "none"
	c.Header.Gain = ""
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
	for _, s := range []string{"polynomial", "sinc", "none", "gain"} {
		assert.Contains(t, err.Error(), s)
	}
}

func TestGrid(t *testing.T) {
	c := Default()
	c.Tile.Size, c.Tile.Border = 100, 10
	g, err := c.Grid(250, 200)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Cols)
	assert.Equal(t, 2, g.Rows)

	c.Tile.Remainder = "fold"
	_, err = c.Grid(250, 200)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestEvaluator(t *testing.T) {
	c := Default()
	c.PSF.CleanFactor = 0.01
	c.PSF.Shift = "Fourier"
	ev, err := c.Evaluator(&psf.Model{})
	require.NoError(t, err)
	assert.Equal(t, psf.ShiftFourier, ev.Shift)
	assert.Equal(t, 0.01, ev.Clean)
}
