package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a phase with elapsed or remaining seconds on one line.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Connecting to unit", "Scanning", "Connected")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop must be called to release the goroutine.
// Nothing is printed when w is not a terminal, so piped output stays clean.
type ProgressPrinter struct {
	out        io.Writer
	enabled    bool
	prefix     string
	phase      atomic.Value        // stores string - current phase name
	stopPhases map[string]struct{} // set of phases that trigger a graceful shutdown
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when goroutine exits
	started    atomic.Bool   // ensures Start is called at most once
	countUp    bool          // true for count up, false for countdown
	duration   time.Duration // for countdown mode
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
// stopPhases are phase names that stop the printer when set via Callback.
func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, false, duration, stopPhases)
}

func newProgressPrinter(out io.Writer, prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		enabled:    isTerminal(out),
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// isTerminal reports whether v is a file attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.startProgressLoop(ticker)
}

// printProgress displays a progress line with optional elapsed/remaining seconds
func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if !p.enabled {
		return
	}
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

func (p *ProgressPrinter) startProgressLoop(ticker *time.Ticker) {
	p.printProgress(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				currentPhase := p.phase.Load().(string)
				if _, isStopPhase := p.stopPhases[currentPhase]; isStopPhase {
					return
				}
				elapsed := time.Since(p.startTime)

				var seconds int
				if p.countUp {
					seconds = int(elapsed.Seconds())
				} else if remaining := p.duration - elapsed; remaining > 0 {
					// Round to the nearest second
					seconds = int(remaining.Seconds() + 0.5)
				}
				p.printProgress(currentPhase, seconds)
			}
		}
	}()
}

// Callback returns a function that updates the phase; a stop phase stops the printer.
// Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line.
// Safe to call multiple times; only the first call has an effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	if p.enabled {
		fmt.Fprint(p.out, clearLineSequence)
	}
}
