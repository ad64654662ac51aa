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


package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/klauspost/cpuid"

	zg "github.com/mlnoga/zogy/internal"
	"github.com/mlnoga/zogy/internal/background"
	"github.com/mlnoga/zogy/internal/calib"
	"github.com/mlnoga/zogy/internal/config"
	"github.com/mlnoga/zogy/internal/fits"
	"github.com/mlnoga/zogy/internal/ops"
	"github.com/mlnoga/zogy/internal/ops/phot"
	"github.com/mlnoga/zogy/internal/ops/subtract"
	"github.com/mlnoga/zogy/internal/psf"
	"github.com/mlnoga/zogy/internal/star"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out  = flag.String("out", "out", "base name for output files, e.g. `out` writes out_D.fits, out_Scorr.fits, ...")
var log  = flag.String("log", "%auto", "save log output to `file`. `%auto` appends .log to the output base name")
var tif  = flag.Bool("tif", false, "also save a 16-bit TIFF quick look of Scorr")
var conf = flag.String("config", "", "load settings from YAML `file`, overlaid on the defaults")

var newPSF = flag.String("newPSF", "", "PSFEx model of the new image, `file.psf`")
var refPSF = flag.String("refPSF", "", "PSFEx model of the reference image, `file.psf`")
var newCat = flag.String("newCat", "", "PSFEx output catalog of the new image with X_IMAGE, Y_IMAGE and NORM_PSF")
var refCat = flag.String("refCat", "", "PSFEx output catalog of the reference image with X_IMAGE, Y_IMAGE and NORM_PSF")
var newSex = flag.String("newSex", "", "SExtractor catalog of the new image with sky coordinates, FITS_LDAC or ASCII")
var refSex = flag.String("refSex", "", "SExtractor catalog of the reference image with sky coordinates, FITS_LDAC or ASCII")

var newMask = flag.String("newMask", "", "mask `file` for the new image, nonzero pixels are excluded from background estimation")
var refMask = flag.String("refMask", "", "mask `file` for the reference image, nonzero pixels are excluded from background estimation")
var newBack = flag.String("newBack", "", "background level `file` of the new image, for the external background method")
var newStd  = flag.String("newStd", "", "background standard deviation `file` of the new image, for the external background method")
var refBack = flag.String("refBack", "", "background level `file` of the reference image, for the external background method")
var refStd  = flag.String("refStd", "", "background standard deviation `file` of the reference image, for the external background method")

var threads   = flag.Int("threads", 0, "maximum number of tiles processed concurrently, 0=number of CPUs")
var fakeStars = flag.Int("fakeStars", -1, "fake stars per tile, -1=use settings")

var psfFile = flag.String("psf", "", "PSFEx model for photometry, `file.psf`")
var coords  = flag.String("coords", "", "catalog of positions for photometry, with X_IMAGE and Y_IMAGE")
var psfFit  = flag.Bool("psfFit", false, "also fit PSF position and flux during photometry")

func main() {
	logWriter:=zg.Log
	debug.SetGCPercent(10)
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(logWriter, `ZOGY Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (subtract|phot|config|legal|version) (img0.fits ... imgn.fits)

Commands:
  subtract Subtract a registered reference image ref.fits from a new image new.fits
  phot     Measure optimal fluxes in image.fits at the positions of a catalog
  config   Show the effective settings as YAML
  legal    Show license and attribution information
  version  Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log=="%auto" {
		if *out!="" {
			*log=strings.TrimSuffix(*out, filepath.Ext(*out))+".log"
		} else {
			*log=""
		}
	}

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}
	if args[0]!="subtract" && args[0]!="phot" { *log="" }
	if *log!="" {
		if err:=zg.LogAlsoToFile(*log); err!=nil { zg.LogFatalf("Unable to open logfile '%s'\n", *log) }
	}
	defer zg.LogClose()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			zg.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			zg.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop:=signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c:=ops.NewContext(logWriter)
	if *threads>0 { c.MaxThreads=*threads }

	var err error
	switch args[0] {
	case "subtract":
		banner(c)
		err=cmdSubtract(ctx, c, args[1:])

	case "phot":
		banner(c)
		err=cmdPhot(c, args[1:])

	case "config":
		var cfg *config.Config
		if cfg, err=loadConfig(); err==nil {
			var m []byte
			if m, err=cfg.Marshal(); err==nil { fmt.Fprintf(logWriter, "%s", m) }
		}
		if err!=nil { zg.LogFatalf("Error: %s\n", err.Error()) }
		return

	case "legal":
		cmdLegal()
		return

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
		return

	case "help", "?":
		flag.Usage()
		return

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	now:=time.Now()
	elapsed:=now.Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			zg.LogFatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f,0); err != nil {
			zg.LogFatal("Could not write allocation profile: ", err)
		}
	}

	if err!=nil {
		zg.LogFatalf("Error: %s\n", err.Error())
	}
}

// Logs the version, CPU and memory available
func banner(c *ops.Context) {
	fmt.Fprintf(c.Log, "ZOGY %s on %s with %d logical cores (AVX2 %v), %d MiB memory, up to %d threads\n",
		version, cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2(), c.MemoryMB, c.MaxThreads)
}

func loadConfig() (*config.Config, error) {
	if *conf=="" { return config.Default(), nil }
	return config.Load(*conf)
}

// Header values needed to convert a frame into electrons
type frameHeader struct {
	gain, readNoise, saturate, pixScale float64
}

func readFrameHeader(f *fits.Image, cfg *config.Config) (h frameHeader, err error) {
	keys:=[]struct{ dst *float64; key string }{
		{&h.gain, cfg.Header.Gain}, {&h.readNoise, cfg.Header.ReadNoise},
		{&h.saturate, cfg.Header.Saturate}, {&h.pixScale, cfg.Header.PixScale},
	}
	for _, k:=range keys {
		if *k.dst, err=f.HeaderFloat(k.key); err!=nil { return h, fmt.Errorf("%w: %v", config.ErrConfig, err) }
	}
	if !(h.gain>0) { return h, fmt.Errorf("%w: %d: gain %g must be positive", config.ErrConfig, f.ID, h.gain) }
	return h, nil
}

// Multiplies all pixels with the gain, converting counts into electrons
func toElectrons(f *fits.Image, gain float64) {
	for i, v:=range f.Data { f.Data[i]=float32(float64(v)*gain) }
}

func loadMask(c *ops.Context, fileName string, id int, f *fits.Image) ([]bool, error) {
	if fileName=="" { return nil, nil }
	m, err:=ops.Load(c, fileName, id)
	if err!=nil { return nil, err }
	if len(m.Data)!=len(f.Data) {
		return nil, fmt.Errorf("%d: mask %s is %s, image is %s", id, fileName, m.DimensionsToString(), f.DimensionsToString())
	}
	return m.Valid(), nil
}

func loadBackground(c *ops.Context, levelFile, stdFile string, id int, gain float64) (*background.Map, error) {
	if levelFile=="" && stdFile=="" { return nil, nil }
	if levelFile=="" || stdFile=="" { return nil, fmt.Errorf("%d: external background needs both level and std files", id) }
	level, err:=ops.Load(c, levelFile, id)
	if err!=nil { return nil, err }
	std, err:=ops.Load(c, stdFile, id)
	if err!=nil { return nil, err }
	toElectrons(level, gain)
	toElectrons(std, gain)
	return &background.Map{Width: level.Width(), Height: level.Height(), Level: level.Data, Std: std.Data}, nil
}

func loadEvaluator(fileName string, cfg *config.Config) (*psf.Evaluator, error) {
	if fileName=="" { return nil, errors.New("missing PSF model file") }
	m, err:=psf.ReadFile(fileName)
	if err!=nil { return nil, err }
	return cfg.Evaluator(m)
}

// Loads one side of the subtraction as a frame in electrons
func loadFrame(c *ops.Context, cfg *config.Config, id int, fileName, psfName, maskName, backName, stdName string) (*subtract.Frame, *fits.Image, frameHeader, error) {
	img, err:=ops.Load(c, fileName, id)
	if err!=nil { return nil, nil, frameHeader{}, err }
	h, err:=readFrameHeader(img, cfg)
	if err!=nil { return nil, nil, h, err }
	toElectrons(img, h.gain)
	fr:=&subtract.Frame{ID: id, Data: img.Data, Width: img.Width(), Height: img.Height(), ReadNoise: h.readNoise}
	if fr.Mask, err=loadMask(c, maskName, id, img); err!=nil { return nil, nil, h, err }
	if fr.Background, err=loadBackground(c, backName, stdName, id, h.gain); err!=nil { return nil, nil, h, err }
	if fr.PSF, err=loadEvaluator(psfName, cfg); err!=nil { return nil, nil, h, fmt.Errorf("%d: %w", id, err) }
	fmt.Fprintf(c.Log, "%d: gain %.4g e-/ADU, read noise %.4g e-, saturation %.6g ADU, PSF FWHM %.3g pixels\n",
		id, h.gain, h.readNoise, h.saturate, fr.PSF.Model.FWHM)
	return fr, img, h, nil
}

// Matches the calibration catalogs, if given, and derives flux ratio and offsets
func loadCalibration(c *ops.Context, cfg *config.Config, hn, hr frameHeader) (*calib.Solution, error) {
	if *newCat=="" || *refCat=="" {
		fmt.Fprintf(c.Log, "No calibration catalogs given\n")
		return calib.NewSolution(nil, hn.gain, hr.gain, hn.pixScale, cfg.Calibration.Options, c.Log), nil
	}
	newStars, err:=star.LoadCalibrationStars(*newCat, *newSex)
	if err!=nil { return nil, err }
	refStars, err:=star.LoadCalibrationStars(*refCat, *refSex)
	if err!=nil { return nil, err }
	var pairs []calib.Pair
	if *newSex!="" && *refSex!="" {
		pairs=calib.Match(newStars, refStars, cfg.Calibration.RadiusArcsec)
	} else {
		fmt.Fprintf(c.Log, "No sky coordinates given, matching calibration stars in pixel space\n")
		pairs=calib.MatchPixels(newStars, refStars, cfg.Calibration.RadiusArcsec, hn.pixScale)
	}
	fmt.Fprintf(c.Log, "Matched %d of %d new and %d reference calibration stars\n", len(pairs), len(newStars), len(refStars))
	return calib.NewSolution(pairs, hn.gain, hr.gain, hn.pixScale, cfg.Calibration.Options, c.Log), nil
}

func cmdSubtract(ctx context.Context, c *ops.Context, args []string) error {
	if len(args)!=2 { return errors.New("subtract needs exactly two images, new and reference") }
	cfg, err:=loadConfig()
	if err!=nil { return err }
	if *fakeStars>=0 { cfg.FakeStars.Count=*fakeStars }

	newF, newImg, hn, err:=loadFrame(c, cfg, 1, args[0], *newPSF, *newMask, *newBack, *newStd)
	if err!=nil { return err }
	refF, _, hr, err:=loadFrame(c, cfg, 2, args[1], *refPSF, *refMask, *refBack, *refStd)
	if err!=nil { return err }
	cal, err:=loadCalibration(c, cfg, hn, hr)
	if err!=nil { return err }

	res, err:=subtract.Run(ctx, c, cfg, newF, refF, cal)
	if err!=nil { return err }

	// difference image back in counts of the new image
	for i, v:=range res.D { res.D[i]=float32(float64(v)/hn.gain) }
	base:=strings.TrimSuffix(*out, filepath.Ext(*out))
	outputs:=[]struct{ suffix string; data []float32 }{
		{"_D", res.D}, {"_S", res.S}, {"_Scorr", res.Scorr}, {"_Fpsf", res.Fpsf}, {"_Fpsferr", res.FpsfErr},
	}
	for _, o:=range outputs {
		img:=fits.NewImageFromImage(newImg, o.data)
		if err:=ops.Save(c, img, base+o.suffix+".fits", 0, 0); err!=nil { return err }
	}
	if *tif {
		nsigma:=float32(cfg.Subtraction.TransientNSigma)
		img:=fits.NewImageFromImage(newImg, res.Scorr)
		if err:=ops.Save(c, img, base+"_Scorr.tif", -nsigma, nsigma); err!=nil { return err }
	}

	for _, f:=range res.FakeStars {
		fmt.Fprintf(c.Log, "Fake star tile %d at %d,%d: flux in %.6g e-, out %.6g +- %.3g e-, Scorr %.3g\n",
			f.Tile, f.X+1, f.Y+1, f.Flux, f.FluxOut, f.FluxErrOut, f.SNROut)
	}
	fmt.Fprintf(c.Log, "Found %d transient candidates above %g sigma\n", len(res.Transients), cfg.Subtraction.TransientNSigma)
	fmt.Fprintln(c.Log, "X,Y,Scorr,Flux,FluxErr")
	for _, t:=range res.Transients {
		fmt.Fprintf(c.Log, "%d,%d,%.4g,%.6g,%.4g\n", t.X+1, t.Y+1, t.Scorr, t.Flux, t.FluxErr)
	}
	if res.Warnings>0 { fmt.Fprintf(c.Log, "%d warnings\n", res.Warnings) }
	return nil
}

func cmdPhot(c *ops.Context, args []string) error {
	if len(args)!=1 { return errors.New("phot needs exactly one image") }
	if *coords=="" { return errors.New("phot needs a position catalog") }
	cfg, err:=loadConfig()
	if err!=nil { return err }
	img, err:=ops.Load(c, args[0], 1)
	if err!=nil { return err }
	h, err:=readFrameHeader(img, cfg)
	if err!=nil { return err }
	toElectrons(img, h.gain)
	ev, err:=loadEvaluator(*psfFile, cfg)
	if err!=nil { return err }

	f, err:=os.Open(*coords)
	if err!=nil { return err }
	defer f.Close()
	tbl, err:=star.ReadTable(f)
	if err!=nil { return err }
	xs, err:=tbl.Column("X_IMAGE")
	if err!=nil { return err }
	ys, err:=tbl.Column("Y_IMAGE")
	if err!=nil { return err }
	stars:=make([]star.Star, len(xs))
	for i:=range xs { stars[i]=star.Star{Number: i+1, X: xs[i], Y: ys[i]} }

	grid, err:=cfg.Grid(img.Width(), img.Height())
	if err!=nil { return err }
	bopt, err:=cfg.BackgroundOptions()
	if err!=nil { return err }
	est, err:=background.New(bopt, grid, nil)
	if err!=nil { return err }
	bkg, err:=est.Estimate(img.Data, nil, img.Width(), img.ID, c.Log)
	if err!=nil { return err }
	sky:=make([]float64, len(bkg.Level))
	for i, v:=range bkg.Level { sky[i]=float64(v) }

	opt:=phot.Options{Parity: cfg.Parity(), Flux: cfg.OptFluxOptions(), Saturation: h.saturate*h.gain, Fit: *psfFit}
	res, _, err:=phot.AtCoords(ev, &phot.Image{Data: img.Float64(), Sky: sky, Width: img.Width(), ReadNoise: h.readNoise}, stars, opt, c.Log)
	if err!=nil { return err }

	fmt.Fprintln(c.Log, "Number,X,Y,Flux,FluxErr,Coverage,Saturated,FitFlux,FitFluxErr,FitDX,FitDY,FitChi2Red")
	for _, s:=range res {
		if !s.OnFrame { continue }
		var fit phot.Fit
		if s.Fit!=nil { fit=*s.Fit }
		fmt.Fprintf(c.Log, "%d,%.3f,%.3f,%.6g,%.4g,%.3f,%d,%.6g,%.4g,%.3f,%.3f,%.3g\n", s.Star.Number, s.Star.X, s.Star.Y,
			s.Flux, s.FluxErr, s.Coverage, s.Saturated, fit.Flux, fit.FluxErr, fit.DX, fit.DY, fit.Chi2Red)
	}
	return nil
}
