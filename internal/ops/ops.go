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

// Package ops provides the execution context shared by the processing steps,
// a bounded worker pool, and loading and saving of frames.
package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"

	"github.com/pbnjay/memory"

	"github.com/mlnoga/zogy/internal/fits"
)

// An execution context for processing steps
type Context struct {
	Log        io.Writer
	MemoryMB   int // memory.TotalMemory()/1024/1024
	MaxThreads int
}

func NewContext(log io.Writer) *Context {
	return &Context{
		Log:        log,
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}

// Number of jobs needing jobMB each which may run concurrently, at least one
func (c *Context) Concurrency(jobMB int) int {
	n := c.MaxThreads
	if jobMB > 0 && c.MemoryMB > 0 && c.MemoryMB/jobMB < n {
		n = c.MemoryMB / jobMB
	}
	if n < 1 {
		n = 1
	}
	return n
}

// A unit of work
type Job func() error

// Runs all jobs with given concurrency limit. Jobs not yet started when the context
// is cancelled are skipped. Errors are joined in job order
func RunAll(ctx context.Context, jobs []Job, maxThreads int) (err error) {
	if len(jobs) == 0 {
		return nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	limiter := make(chan bool, maxThreads)
	errs := make([]error, len(jobs))
	for i, job := range jobs {
		limiter <- true
		if e := ctx.Err(); e != nil {
			<-limiter
			errs[i] = e
			continue
		}
		go func(i int, theJob Job) {
			defer func() { <-limiter }()
			errs[i] = theJob()
		}(i, job)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var skipped error
	for _, e := range errs { // collect errors
		if e == nil {
			continue
		}
		if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
			if skipped == nil {
				skipped = e
			}
			continue
		}
		if err == nil {
			err = e
		} else {
			err = fmt.Errorf("%w; %s", err, e.Error())
		}
	}
	if err == nil {
		err = skipped
	}
	return err
}

// Loads a FITS image and logs its dimensions and value range
func Load(c *Context, fileName string, id int) (*fits.Image, error) {
	f, err := fits.ReadFile(fileName, id)
	if err != nil {
		return nil, err
	}
	min, max := valueRange(f.Data)
	warning := ""
	if max-min < 1e-8 {
		warning = "; WARNING low dynamic range"
	}
	fmt.Fprintf(c.Log, "%d: Loaded %s image with min %.6g max %.6g from %s%s\n",
		f.ID, f.DimensionsToString(), min, max, f.FileName, warning)
	return f, nil
}

func valueRange(data []float32) (min, max float32) {
	min, max = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Saves an image under the given filename. FITS for .fits/.fit/.fts suffixes,
// 16-bit TIFF stretched from lo to hi for .tif/.tiff suffixes
func Save(c *Context, f *fits.Image, fileName string, lo, hi float32) error {
	fnLower := strings.ToLower(fileName)
	var err error
	switch {
	case strings.HasSuffix(fnLower, ".fits") || strings.HasSuffix(fnLower, ".fit") || strings.HasSuffix(fnLower, ".fts"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel FITS to %s\n", f.ID, f.DimensionsToString(), fileName)
		err = f.WriteFile(fileName)
	case strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel mono TIFF to %s\n", f.ID, f.DimensionsToString(), fileName)
		err = f.WriteMonoTIFF16ToFile(fileName, lo, hi, 1)
	default:
		err = errors.New("unknown suffix")
	}
	if err != nil {
		return fmt.Errorf("%d: error writing to file %s: %w", f.ID, fileName, err)
	}
	return nil
}
