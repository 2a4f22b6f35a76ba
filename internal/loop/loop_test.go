/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package loop

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoopRunsPostedFunctionsInOrder(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want 0..4", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d functions, want 5", len(got))
	}
}

func TestLoopAfterFuncStoppedNeverRuns(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	var task Task
	if err := l.Call(ctx, func() {
		task = l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := l.Call(ctx, func() { task.Stop() }); err != nil {
		t.Fatalf("call: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestLoopEveryTicksUntilStopped(t *testing.T) {
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ticks := make(chan struct{}, 64)
	task := l.Every(5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("repeating task never ticked")
	}
	task.Stop()
}

func TestManualAdvanceRunsTasksInTimeOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	m.AfterFunc(2*time.Second, func() {
		order = append(order, "b")
		m.Post(func() { order = append(order, "b-posted") })
	})

	m.Advance(5 * time.Second)

	want := []string{"a", "b", "b-posted", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got := m.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now() = %v, want start+5s", got)
	}
}

func TestManualTimeInsideTaskIsTaskDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var seen time.Time
	m.AfterFunc(1500*time.Millisecond, func() { seen = m.Now() })
	m.Advance(10 * time.Second)

	if !seen.Equal(start.Add(1500 * time.Millisecond)) {
		t.Fatalf("Now() inside task = %v, want start+1.5s", seen)
	}
}

func TestManualEveryAndStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	task := m.Every(time.Second, func() { count++ })
	m.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	task.Stop()
	m.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("count after stop = %d, want 3", count)
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", m.Pending())
	}
}

func TestManualStopFromInsideAnotherTask(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	victim := m.AfterFunc(2*time.Second, func() { fired = true })
	m.AfterFunc(time.Second, func() { victim.Stop() })
	m.Advance(5 * time.Second)

	if fired {
		t.Fatal("task stopped by an earlier task still fired")
	}
}
