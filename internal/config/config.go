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

// Package config holds the settings of a subtraction run. A Config is built once per
// frame pair, from defaults overlaid with an optional YAML file, and is not modified afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mlnoga/zogy/internal/background"
	"github.com/mlnoga/zogy/internal/calib"
	"github.com/mlnoga/zogy/internal/optflux"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/stats"
	"github.com/mlnoga/zogy/internal/tile"
)

var ErrConfig = errors.New("invalid configuration")

// Per-pixel variance model of the input images
type VarianceModel int

const (
	VarianceTotal  VarianceModel = iota // data + RON^2, including the background
	VarianceSource                      // data - background + RON^2
	VarianceSky                         // data - background + background std^2
)

var varianceNames = []string{"total", "source", "sky"}

func (v VarianceModel) String() string {
	if v < 0 || int(v) >= len(varianceNames) {
		return fmt.Sprintf("VarianceModel(%d)", int(v))
	}
	return varianceNames[v]
}

func ParseVarianceModel(s string) (VarianceModel, error) {
	for i, n := range varianceNames {
		if strings.EqualFold(s, n) {
			return VarianceModel(i), nil
		}
	}
	return VarianceTotal, fmt.Errorf("%w: unknown variance model %q", ErrConfig, s)
}

// Settings of a subtraction run
type Config struct {
	Tile struct {
		Size      int    `yaml:"size"`      // Interior edge length in pixels
		Border    int    `yaml:"border"`    // Overlap on each side in pixels
		Remainder string `yaml:"remainder"` // "short" or "fold"
	} `yaml:"tile"`

	Background struct {
		Method     string            `yaml:"method"` // "mesh", "tile" or "external"
		BoxSize    int               `yaml:"boxSize"`
		FilterSize int               `yaml:"filterSize"`
		Clip       stats.ClipOptions `yaml:"clip"`
	} `yaml:"background"`

	PSF struct {
		CleanFactor float64 `yaml:"cleanFactor"` // Values below this fraction of the peak are zeroed, 0=off
		UseSingle   bool    `yaml:"useSingle"`   // Ignore spatial variation
		Shift       string  `yaml:"shift"`       // "spline" or "fourier"
		OddSized    bool    `yaml:"oddSized"`    // Odd edge length for photometry stamps
	} `yaml:"psf"`

	Calibration struct {
		calib.Options `yaml:",inline"`
		FRatioLocal   bool `yaml:"fratioLocal"` // Estimate the flux ratio per tile
		DXDYLocal     bool `yaml:"dxdyLocal"`   // Estimate registration residuals per tile
	} `yaml:"calibration"`

	OptFlux struct {
		NSigma        float64 `yaml:"nsigma"`
		MaxIters      int     `yaml:"maxIters"`
		Epsilon       float64 `yaml:"epsilon"`
		AstroVariance bool    `yaml:"astroVariance"` // Add registration residual variance to the weights
	} `yaml:"optflux"`

	FakeStars struct {
		Count    int     `yaml:"count"` // Per tile. 0=off, 1=tile center, more=random positions
		SNR      float64 `yaml:"snr"`
		MaxIters int     `yaml:"maxIters"`
		Epsilon  float64 `yaml:"epsilon"`
		Seed     uint32  `yaml:"seed"`
	} `yaml:"fakeStars"`

	Subtraction struct {
		Variance        string  `yaml:"variance"`        // "total", "source" or "sky"
		TransientNSigma float64 `yaml:"transientNSigma"` // Detection threshold on |Scorr|
		MaxTransients   int     `yaml:"maxTransients"`   // Per tile. 0=unlimited
	} `yaml:"subtraction"`

	Header struct {
		Gain      string `yaml:"gain"`
		ReadNoise string `yaml:"readNoise"`
		Saturate  string `yaml:"saturate"`
		RA        string `yaml:"ra"`
		Dec       string `yaml:"dec"`
		PixScale  string `yaml:"pixScale"`
		ExpTime   string `yaml:"expTime"`
	} `yaml:"header"`
}

// Default settings
func Default() *Config {
	c := &Config{}
	c.Tile.Size, c.Tile.Border, c.Tile.Remainder = 2000, 32, "short"

	c.Background.Method = background.MethodMesh.String()
	c.Background.BoxSize, c.Background.FilterSize = 256, 5
	c.Background.Clip = stats.ClipOptions{NSigma: 3, MaxIters: 10, Epsilon: 1e-6, ClipZeros: true}

	c.PSF.Shift = psf.ShiftSpline.String()
	c.PSF.OddSized = true

	c.Calibration.Options = calib.DefaultOptions()

	c.OptFlux.NSigma, c.OptFlux.MaxIters, c.OptFlux.Epsilon = 10000, 10, 1e-3

	c.FakeStars.Count, c.FakeStars.SNR = 1, 50
	c.FakeStars.MaxIters, c.FakeStars.Epsilon = 10, 1e-6
	c.FakeStars.Seed = 1

	c.Subtraction.Variance = VarianceTotal.String()
	c.Subtraction.TransientNSigma = 5
	c.Subtraction.MaxTransients = 1000

	h := &c.Header
	h.Gain, h.ReadNoise, h.Saturate = "ARAWGAIN", "RDNOISE", "SATURATE"
	h.RA, h.Dec, h.PixScale, h.ExpTime = "RA", "DEC", "PIXSCALE", "EXPTIME"
	return c
}

// Overlays the YAML settings file at path on the defaults, and validates the result
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", ErrConfig, path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Writes the settings to a YAML file, creating its directory if needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// Checks all settings for consistency. Returns an error wrapping ErrConfig
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if c.Tile.Size <= 0 || c.Tile.Border < 0 {
		add("tile size %d border %d", c.Tile.Size, c.Tile.Border)
	} else if (c.Tile.Size+2*c.Tile.Border)%2 != 0 {
		add("working buffer size %d must be even", c.Tile.Size+2*c.Tile.Border)
	}
	if _, err := c.RemainderMode(); err != nil {
		add("%v", err)
	}
	if _, err := c.BackgroundOptions(); err != nil {
		add("%v", err)
	}
	if c.Background.BoxSize <= 0 || c.Background.FilterSize < 1 || c.Background.FilterSize%2 == 0 {
		add("background box size %d filter size %d", c.Background.BoxSize, c.Background.FilterSize)
	}
	if c.Background.Clip.NSigma <= 0 || c.Background.Clip.MaxIters < 1 {
		add("background clipping nsigma %g maxIters %d", c.Background.Clip.NSigma, c.Background.Clip.MaxIters)
	}
	if _, err := psf.ParseShiftMode(c.PSF.Shift); err != nil {
		add("%v", err)
	}
	if c.PSF.CleanFactor < 0 || c.PSF.CleanFactor >= 1 {
		add("PSF clean factor %g outside [0,1)", c.PSF.CleanFactor)
	}
	cal := c.Calibration
	if cal.RadiusArcsec <= 0 || cal.MinLocal < 1 || cal.MaxDeviation <= 0 || cal.MaxOffsetRatio <= 0 {
		add("calibration radius %g minLocal %d maxDeviation %g maxOffsetRatio %g",
			cal.RadiusArcsec, cal.MinLocal, cal.MaxDeviation, cal.MaxOffsetRatio)
	}
	if cal.MedianWeight < 0 || cal.StdWeight < 0 {
		add("calibration weights %g %g must not be negative", cal.MedianWeight, cal.StdWeight)
	}
	if c.OptFlux.NSigma <= 0 || c.OptFlux.MaxIters < 1 || c.OptFlux.Epsilon <= 0 {
		add("optimal flux nsigma %g maxIters %d epsilon %g", c.OptFlux.NSigma, c.OptFlux.MaxIters, c.OptFlux.Epsilon)
	}
	if c.FakeStars.Count < 0 || (c.FakeStars.Count > 0 && c.FakeStars.SNR <= 0) {
		add("fake stars count %d snr %g", c.FakeStars.Count, c.FakeStars.SNR)
	}
	if _, err := c.VarianceModel(); err != nil {
		add("%v", err)
	}
	if c.Subtraction.TransientNSigma <= 0 {
		add("transient nsigma %g", c.Subtraction.TransientNSigma)
	}
	h := c.Header
	for _, k := range []struct{ name, key string }{{"gain", h.Gain}, {"readNoise", h.ReadNoise},
		{"saturate", h.Saturate}, {"pixScale", h.PixScale}} {
		if k.key == "" {
			add("header key for %s is empty", k.name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) RemainderMode() (tile.RemainderMode, error) {
	switch strings.ToLower(c.Tile.Remainder) {
	case "", "short":
		return tile.RemainderShort, nil
	case "fold":
		return tile.RemainderFold, nil
	}
	return tile.RemainderShort, fmt.Errorf("%w: unknown tile remainder mode %q", ErrConfig, c.Tile.Remainder)
}

// Tiling of a frame of the given size
func (c *Config) Grid(width, height int) (*tile.Grid, error) {
	mode, err := c.RemainderMode()
	if err != nil {
		return nil, err
	}
	g, err := tile.New(width, height, c.Tile.Size, c.Tile.Border, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return g, nil
}

func (c *Config) BackgroundOptions() (background.Options, error) {
	m, err := background.ParseMethod(c.Background.Method)
	if err != nil {
		return background.Options{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return background.Options{
		Method:     m,
		Clip:       c.Background.Clip,
		BoxSize:    c.Background.BoxSize,
		FilterSize: c.Background.FilterSize,
	}, nil
}

// PSF evaluator for the given model
func (c *Config) Evaluator(m *psf.Model) (*psf.Evaluator, error) {
	shift, err := psf.ParseShiftMode(c.PSF.Shift)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &psf.Evaluator{Model: m, Clean: c.PSF.CleanFactor, UseSingle: c.PSF.UseSingle, Shift: shift}, nil
}

// Parity of photometry stamps
func (c *Config) Parity() psf.Parity {
	if c.PSF.OddSized {
		return psf.ParityOdd
	}
	return psf.ParityEven
}

func (c *Config) OptFluxOptions() optflux.Options {
	return optflux.Options{NSigma: c.OptFlux.NSigma, MaxIters: c.OptFlux.MaxIters, Epsilon: c.OptFlux.Epsilon}
}

func (c *Config) VarianceModel() (VarianceModel, error) {
	return ParseVarianceModel(c.Subtraction.Variance)
}
