// Package batcher smooths bursts of notifications into a steady release
// cadence.
//
// Arrivals within Window accumulate; the first arrival starts the window
// timer. BurstSize pending notifications release immediately. On release
// every notification is handed to the callback on its own, Stagger apart, so
// the queue never receives a wall of simultaneous inserts.
package batcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"opsnotify/internal/notification"
	logx "opsnotify/pkg/logx"
)

const (
	DefaultWindow    = 300 * time.Millisecond
	DefaultStagger   = 150 * time.Millisecond
	DefaultBurstSize = 3
)

type Config struct {
	Window    time.Duration
	Stagger   time.Duration
	BurstSize int
}

// ReleaseFunc receives exactly one notification per call.
type ReleaseFunc func(batch []notification.UnifiedNotification)

type Option func(*Batcher)

func WithClock(c clockwork.Clock) Option { return func(b *Batcher) { b.clock = c } }
func WithLogger(l logx.Logger) Option   { return func(b *Batcher) { b.log = l } }

// Batcher is safe for concurrent use. The release callback is never called
// with the internal lock held.
type Batcher struct {
	mu sync.Mutex

	cfg       Config
	clock     clockwork.Clock
	log       logx.Logger
	onRelease ReleaseFunc

	pending []notification.UnifiedNotification

	window    clockwork.Timer
	windowGen uint64

	// nextSlot is the earliest time the next release may happen.
	nextSlot time.Time
	timerSeq uint64
	staggers map[uint64]clockwork.Timer

	stopped bool
}

func New(cfg Config, onRelease ReleaseFunc, opts ...Option) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	} else if cfg.Stagger == 0 {
		cfg.Stagger = DefaultStagger
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	b := &Batcher{
		cfg:       cfg,
		onRelease: onRelease,
		staggers:  map[uint64]clockwork.Timer{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// Add accumulates n. It releases immediately once BurstSize notifications are pending.
func (b *Batcher) Add(n notification.UnifiedNotification) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, n)
	if len(b.pending) == 1 {
		b.windowGen++
		gen := b.windowGen
		b.window = b.clock.AfterFunc(b.cfg.Window, func() { b.windowExpired(gen) })
	}
	if len(b.pending) < b.cfg.BurstSize {
		b.mu.Unlock()
		return
	}
	b.log.Debug("burst threshold reached; releasing early", logx.Int("pending", len(b.pending)))
	now := b.drainLocked()
	b.mu.Unlock()
	b.releaseNow(now)
}

// Flush cancels the window timer and releases everything pending.
func (b *Batcher) Flush() {
	b.mu.Lock()
	now := b.drainLocked()
	b.mu.Unlock()
	b.releaseNow(now)
}

// BatchSize returns the number of notifications waiting for the window.
func (b *Batcher) BatchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels every timer and drops pending notifications. It returns the
// number dropped, including staggered releases that had not fired yet.
func (b *Batcher) Stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	dropped := len(b.pending)
	b.pending = nil
	b.stopWindowLocked()
	for id, t := range b.staggers {
		if t.Stop() {
			dropped++
		}
		delete(b.staggers, id)
	}
	return dropped
}

func (b *Batcher) windowExpired(gen uint64) {
	b.mu.Lock()
	if gen != b.windowGen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.window = nil
	now := b.drainLocked()
	b.mu.Unlock()
	b.releaseNow(now)
}

func (b *Batcher) stopWindowLocked() {
	b.windowGen++
	if b.window != nil {
		b.window.Stop()
		b.window = nil
	}
}

// drainLocked empties pending and schedules staggered releases. It returns
// the notifications whose slot is due now; the caller releases them after
// unlocking.
func (b *Batcher) drainLocked() []notification.UnifiedNotification {
	b.stopWindowLocked()
	if len(b.pending) == 0 {
		return nil
	}
	items := b.pending
	b.pending = nil

	now := b.clock.Now()
	var due []notification.UnifiedNotification
	for _, n := range items {
		at := now
		if b.nextSlot.After(at) {
			at = b.nextSlot
		}
		b.nextSlot = at.Add(b.cfg.Stagger)
		delay := at.Sub(now)
		if delay <= 0 {
			due = append(due, n)
			continue
		}
		b.scheduleLocked(n, delay)
	}
	return due
}

func (b *Batcher) scheduleLocked(n notification.UnifiedNotification, delay time.Duration) {
	b.timerSeq++
	id := b.timerSeq
	b.staggers[id] = b.clock.AfterFunc(delay, func() {
		b.mu.Lock()
		_, live := b.staggers[id]
		delete(b.staggers, id)
		stopped := b.stopped
		b.mu.Unlock()
		if live && !stopped {
			b.emit(n)
		}
	})
}

func (b *Batcher) releaseNow(items []notification.UnifiedNotification) {
	for _, n := range items {
		b.emit(n)
	}
}

func (b *Batcher) emit(n notification.UnifiedNotification) {
	if b.onRelease == nil {
		return
	}
	b.onRelease([]notification.UnifiedNotification{n})
}
