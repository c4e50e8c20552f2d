// Package spinner prints the progress of a long-running operation on a
// single, repeatedly overwritten line.
package spinner

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Option is a configuration option for the spinner.
type Option func(cfg *spinnerCfg)

// Format returns a new configuration option for the
// spinner, using the given format string for the spinner.
//
// The string must have exactly one verb in it to support
// a float64 value which is a percent completion.
func Format(ft string) Option {
	return func(cfg *spinnerCfg) {
		cfg.format = ft
	}
}

// Period returns a new configuration option that sets
// the period between screen updates for the spinner.
func Period(p time.Duration) Option {
	return func(cfg *spinnerCfg) {
		cfg.period = p
	}
}

// Output returns a new configuration option that sets where the
// spinner writes. The default is standard output.
func Output(w io.Writer) Option {
	return func(cfg *spinnerCfg) {
		cfg.out = w
	}
}

type spinnerCfg struct {
	period time.Duration
	format string
	out    io.Writer
}

// Spinner periodically samples and prints progress.
type Spinner struct {
	once sync.Once
	done chan struct{}
	exit chan struct{}
}

// Start starts a new spinner. It uses the function sample to sample
// progress, and sample should return a float64 value between 0 and 1
// representing a degree of progress. sample is called from another
// goroutine.
//
// The default period between updates is 1 second.
func Start(sample func() float64, options ...Option) *Spinner {
	cfg := spinnerCfg{
		period: time.Second,
		format: "Progress: %.1f%%",
		out:    os.Stdout,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	s := &Spinner{
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go func() {
		defer close(s.exit)
		t := time.NewTicker(cfg.period)
		defer t.Stop()
		for {
			fmt.Fprintf(cfg.out, cfg.format+"\r", sample()*100)
			select {
			case <-s.done:
				fmt.Fprintf(cfg.out, cfg.format+"\n", sample()*100)
				return
			case <-t.C:
			}
		}
	}()
	return s
}

// Stop stops the spinner after printing the final progress. Stop may
// be called more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.done)
	})
	<-s.exit
}
