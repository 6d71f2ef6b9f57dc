package session

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/earshot/internal/trace"
)

// Autosave defaults
const (
	DefaultAutosaveEvery = 10
	DefaultAutosaveDelay = 30 * time.Second
)

// Autosaver counts session changes and saves after every N of them or once
// the debounce delay passes without another change.
type Autosaver struct {
	save  func(context.Context) error
	every int
	delay time.Duration

	mu      sync.Mutex
	pending int
	timer   *time.Timer
	stopped bool

	saveMu sync.Mutex // serializes save calls
	wg     sync.WaitGroup
}

// NewAutosaver creates an autosaver around save.
func NewAutosaver(save func(context.Context) error, every int, delay time.Duration) *Autosaver {
	if every <= 0 {
		every = DefaultAutosaveEvery
	}
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	return &Autosaver{save: save, every: every, delay: delay}
}

// Touch records one change.
func (a *Autosaver) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	a.pending++
	if a.pending >= a.every {
		a.flushLocked()
		return
	}

	if a.timer == nil {
		a.timer = time.AfterFunc(a.delay, a.timerFlush)
	} else {
		a.timer.Reset(a.delay)
	}
}

// Pending returns changes not yet saved.
func (a *Autosaver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *Autosaver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

func (a *Autosaver) flushLocked() {
	if a.pending == 0 {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	count := a.pending
	a.pending = 0

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.saveMu.Lock()
		defer a.saveMu.Unlock()

		ctx, span := trace.StartSpan(context.Background(), "session_autosave")
		defer span.End()
		span.SetAttr("changes", count)

		log := trace.Logger(ctx)
		if err := a.save(ctx); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("session autosave failed", "error", err, "changes", count)
			return
		}
		log.Debug("session autosaved", "changes", count)
	}()
}

// Flush saves pending changes now and waits for in-flight saves.
func (a *Autosaver) Flush() {
	a.mu.Lock()
	a.flushLocked()
	a.mu.Unlock()
	a.wg.Wait()
}

// Stop flushes and rejects further changes.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.flushLocked()
	a.mu.Unlock()
	a.wg.Wait()
}
