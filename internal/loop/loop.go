/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package loop provides the single-threaded event loop that owns all playout
// client state. Network and audio goroutines never touch component state
// directly; they hand results back with Post and the loop runs them in order.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Task is a pending timer or repeating task.
type Task interface {
	// Stop cancels the task. When called on the loop, the task's function is
	// guaranteed not to run afterwards.
	Stop()
}

// Scheduler is the scheduling surface every component is written against.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Task
	Every(d time.Duration, fn func()) Task
}

// Loop runs posted functions on one goroutine.
type Loop struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	running atomic.Bool
	stopped atomic.Bool
}

// New creates an idle loop. Call Run to start draining it.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger: logger.With().Str("component", "loop").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// Run drains the queue until ctx is cancelled. Functions posted after
// cancellation are dropped.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn().Msg("loop already running")
		return
	}
	defer l.stopped.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("loop task panicked")
		}
	}()
	fn()
}

// Now returns the current wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn to run on the loop. Safe from any goroutine; never blocks.
func (l *Loop) Post(fn func()) {
	if fn == nil || l.stopped.Load() {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to finish, or for ctx to end.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type timerTask struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *timerTask) Stop() {
	t.stopped.Store(true)
	t.timer.Stop()
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Task {
	task := &timerTask{}
	task.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if task.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return task
}

type repeatTask struct {
	ticker   *time.Ticker
	quit     chan struct{}
	once     sync.Once
	stopped  atomic.Bool
	inFlight atomic.Bool
}

func (t *repeatTask) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.quit)
	})
}

// Every runs fn on the loop every d. Ticks are coalesced while a previous
// tick is still queued, so a slow loop never builds a backlog of frames.
func (l *Loop) Every(d time.Duration, fn func()) Task {
	if d <= 0 {
		d = time.Millisecond
	}
	task := &repeatTask{
		ticker: time.NewTicker(d),
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-task.quit:
				return
			case <-task.ticker.C:
				if !task.inFlight.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func() {
					task.inFlight.Store(false)
					if task.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return task
}
