/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/clock"
	"github.com/friendsincode/grimnir_listen/internal/events"
	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/mediaengine"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/prefs"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	onSnapshot  []func(*models.BroadcastSnapshot)
	onStatus    []func(models.ConnectionStatus)
	status      models.ConnectionStatus
	reachable   bool
	connects    []string
	disconnects int
}

func (f *fakeTransport) Connect(key string) {
	f.connects = append(f.connects, key)
	f.setStatus(models.StatusConnecting, false)
}

func (f *fakeTransport) Disconnect() {
	f.disconnects++
	f.status = models.StatusDisconnected
	f.reachable = false
}

func (f *fakeTransport) OnSnapshot(fn func(*models.BroadcastSnapshot)) {
	f.onSnapshot = append(f.onSnapshot, fn)
}

func (f *fakeTransport) OnStatus(fn func(models.ConnectionStatus)) {
	f.onStatus = append(f.onStatus, fn)
}

func (f *fakeTransport) Status() models.ConnectionStatus { return f.status }
func (f *fakeTransport) Reachable() bool                 { return f.reachable }

func (f *fakeTransport) emit(snap *models.BroadcastSnapshot) {
	for _, fn := range f.onSnapshot {
		fn(snap)
	}
}

func (f *fakeTransport) setStatus(status models.ConnectionStatus, reachable bool) {
	f.status, f.reachable = status, reachable
	for _, fn := range f.onStatus {
		fn(status)
	}
}

type load struct {
	id     string
	offset float64
}

type fakeBackend struct {
	loads    []load
	position float64
	closed   bool
	openErr  error
}

func (b *fakeBackend) Open(context.Context) error   { return b.openErr }
func (b *fakeBackend) Resume(context.Context) error { return nil }

func (b *fakeBackend) Load(a models.Asset, offset float64) error {
	b.loads = append(b.loads, load{a.ID, offset})
	b.position = offset
	return nil
}

func (b *fakeBackend) Seek(offset float64) error {
	b.position = offset
	return nil
}

func (b *fakeBackend) Position() float64               { return b.position }
func (b *fakeBackend) Playing() bool                   { return true }
func (b *fakeBackend) RampGain(float64, time.Duration) {}
func (b *fakeBackend) FrequencyData(dst []byte) int    { return 0 }
func (b *fakeBackend) Close() error                    { b.closed = true; return nil }

type fakePresence struct {
	starts, stops int
}

func (p *fakePresence) Start() { p.starts++ }

func (p *fakePresence) Stop() <-chan struct{} {
	p.stops++
	done := make(chan struct{})
	close(done)
	return done
}

type harness struct {
	ctrl      *Controller
	sched     *loop.Manual
	transport *fakeTransport
	backend   *fakeBackend
	engine    *mediaengine.Engine
	presence  *fakePresence
	bus       *events.Bus
}

func newHarness(t *testing.T, autoAudio bool) *harness {
	t.Helper()
	return newHarnessWith(t, autoAudio, &fakeBackend{})
}

func newHarnessWith(t *testing.T, autoAudio bool, backend *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		sched:     loop.NewManual(epoch),
		transport: &fakeTransport{},
		backend:   backend,
		presence:  &fakePresence{},
		bus:       events.NewBus(),
	}
	clk := clock.New()
	h.engine = mediaengine.New(h.backend, h.sched, mediaengine.Options{
		Initial: prefs.DefaultAudio,
		Elapsed: ElapsedFrom(clk),
	}, zerolog.Nop())
	h.ctrl = New(Config{
		StationID:       "st-1",
		SessionKey:      "sess-1",
		AutoEnableAudio: autoAudio,
	}, h.sched, h.transport, clk, h.engine, h.presence, h.bus, zerolog.Nop())
	h.ctrl.Start(context.Background())
	return h
}

func snapshotOf(id string, startedAt time.Time, duration float64) *models.BroadcastSnapshot {
	return &models.BroadcastSnapshot{
		StationID: "st-1",
		Asset:     &models.Asset{ID: id, Title: "Track " + id, Duration: models.Seconds(duration), AudioURL: "https://cdn.example.com/" + id},
		StartedAt: models.At(startedAt),
	}
}

func withPreempt(snap *models.BroadcastSnapshot, id string, at time.Time, fadeMs int) *models.BroadcastSnapshot {
	snap.NextAsset = &models.QueueEntry{
		Asset:     models.Asset{ID: id, Duration: 120, AudioURL: "https://cdn.example.com/" + id},
		PreemptAt: models.At(at),
		FadeMs:    fadeMs,
	}
	return snap
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestSnapshotLoadsAtBroadcastOffset(t *testing.T) {
	h := newHarness(t, true)

	h.transport.emit(snapshotOf("a", epoch.Add(-10*time.Second), 30))

	st := h.ctrl.Snapshot()
	if !near(st.Clock.ElapsedSeconds, 10) || !near(st.Clock.RemainingSeconds, 20) {
		t.Fatalf("clock = %+v, want 10/20", st.Clock)
	}
	if len(h.backend.loads) != 1 || h.backend.loads[0].id != "a" || !near(h.backend.loads[0].offset, 10) {
		t.Fatalf("loads = %+v, want a at 10", h.backend.loads)
	}

	// A follow-up for the same asset with a slightly different start time
	// must not restart playback.
	h.sched.Advance(time.Second)
	h.transport.emit(snapshotOf("a", epoch.Add(-10*time.Second+300*time.Millisecond), 30))
	h.sched.Advance(time.Second)
	h.transport.emit(snapshotOf("a", epoch.Add(-10*time.Second-300*time.Millisecond), 30))
	if len(h.backend.loads) != 1 {
		t.Fatalf("loads = %+v, want a single load", h.backend.loads)
	}
	if got := h.ctrl.Snapshot().Clock.ElapsedSeconds; !near(got, 12.3) {
		t.Fatalf("elapsed = %v, want 12.3", got)
	}
}

func TestAssetChangeLoadsNextAsset(t *testing.T) {
	h := newHarness(t, true)
	now := h.bus.Subscribe(events.EventNowPlaying)

	h.transport.emit(snapshotOf("a", epoch.Add(-5*time.Second), 30))
	h.sched.Advance(25 * time.Second)
	h.transport.emit(snapshotOf("b", h.sched.Now().Add(-time.Second), 60))

	if got := len(h.backend.loads); got != 2 || h.backend.loads[1].id != "b" || !near(h.backend.loads[1].offset, 1) {
		t.Fatalf("loads = %+v", h.backend.loads)
	}
	if len(now) != 2 {
		t.Fatalf("now_playing events = %d, want 2", len(now))
	}
	<-now
	if p := <-now; p["asset_id"] != "b" {
		t.Fatalf("now_playing payload = %v", p)
	}
}

func TestAudioEnabledAfterSnapshot(t *testing.T) {
	h := newHarness(t, false)

	h.transport.emit(snapshotOf("a", epoch.Add(-10*time.Second), 30))
	if len(h.backend.loads) != 0 {
		t.Fatal("loaded before audio was enabled")
	}
	if h.ctrl.Snapshot().Audio.Ready {
		t.Fatal("audio reported ready")
	}

	h.sched.Advance(2 * time.Second)
	h.ctrl.EnableAudio(context.Background())
	if len(h.backend.loads) != 0 {
		t.Fatal("EnableAudio ran off the loop")
	}
	h.sched.Flush()

	if len(h.backend.loads) != 1 || !near(h.backend.loads[0].offset, 12) {
		t.Fatalf("loads = %+v, want a at 12", h.backend.loads)
	}
	if !h.ctrl.Snapshot().Audio.Ready {
		t.Fatal("state not republished after enabling audio")
	}
}

func TestPresenceStartsWithAudio(t *testing.T) {
	tests := []struct {
		name       string
		autoAudio  bool
		openErr    error
		enable     bool
		wantStarts int
	}{
		{name: "auto enabled", autoAudio: true, wantStarts: 1},
		{name: "display only", autoAudio: false, wantStarts: 0},
		{name: "enabled later", autoAudio: false, enable: true, wantStarts: 1},
		{name: "enabled twice", autoAudio: true, enable: true, wantStarts: 1},
		{name: "graph failed", autoAudio: true, openErr: errors.New("no output device"), enable: true, wantStarts: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWith(t, tt.autoAudio, &fakeBackend{openErr: tt.openErr})
			if tt.enable {
				h.ctrl.EnableAudio(context.Background())
				h.sched.Flush()
			}
			if h.presence.starts != tt.wantStarts {
				t.Fatalf("presence starts = %d, want %d", h.presence.starts, tt.wantStarts)
			}

			<-h.ctrl.Stop()
			if h.presence.stops != tt.wantStarts {
				t.Fatalf("presence stops = %d, want %d", h.presence.stops, tt.wantStarts)
			}
		})
	}
}

func TestEnableAudioAfterStopDoesNotStartPresence(t *testing.T) {
	h := newHarness(t, false)
	h.ctrl.EnableAudio(context.Background())
	<-h.ctrl.Stop()
	h.sched.Flush()
	if h.presence.starts != 0 {
		t.Fatalf("presence starts = %d after Stop, want 0", h.presence.starts)
	}
}

func TestPreemptionFires(t *testing.T) {
	h := newHarness(t, true)

	h.transport.emit(withPreempt(snapshotOf("a", epoch.Add(-10*time.Second), 300), "b", epoch.Add(10*time.Second), 1000))

	p := h.ctrl.Snapshot().Preemption
	if p == nil || p.TargetAssetID != "b" || !p.FireAt.Equal(epoch.Add(10*time.Second)) || p.FadeMs != 1000 {
		t.Fatalf("preemption = %+v", p)
	}

	h.sched.Advance(10 * time.Second)
	if h.engine.FadeState() != mediaengine.FadeStateFadingOut {
		t.Fatalf("FadeState() = %s", h.engine.FadeState())
	}
	h.sched.Advance(time.Second)
	if last := h.backend.loads[len(h.backend.loads)-1]; last != (load{"b", 0}) {
		t.Fatalf("last load = %+v, want b at 0", last)
	}

	// The server catches up: b is now on air and its preempt time has passed.
	h.transport.emit(withPreempt(snapshotOf("b", epoch.Add(10*time.Second), 120), "b", epoch.Add(10*time.Second), 1000))
	loads := len(h.backend.loads)
	h.sched.Advance(5 * time.Second)
	if len(h.backend.loads) != loads {
		t.Fatalf("loads = %+v, b reloaded", h.backend.loads)
	}
	if h.engine.FadeState() != mediaengine.FadeStateIdle {
		t.Fatalf("FadeState() = %s after completion", h.engine.FadeState())
	}
	if h.ctrl.Snapshot().Preemption != nil {
		t.Fatal("expired preemption still published")
	}
}

func TestPreemptionReplacedBeforeFiring(t *testing.T) {
	h := newHarness(t, true)

	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "b", epoch.Add(10*time.Second), 2000))
	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "c", epoch.Add(20*time.Second), 2000))
	h.sched.Advance(time.Minute)

	for _, l := range h.backend.loads {
		if l.id == "b" {
			t.Fatalf("replaced schedule fired: %+v", h.backend.loads)
		}
	}
	if last := h.backend.loads[len(h.backend.loads)-1]; last.id != "c" {
		t.Fatalf("loads = %+v, want c last", h.backend.loads)
	}
}

func TestPreemptionClearedByQueue(t *testing.T) {
	h := newHarness(t, true)

	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "b", epoch.Add(10*time.Second), 2000))
	h.transport.emit(snapshotOf("a", epoch, 300))
	if h.engine.FadeState() != mediaengine.FadeStateIdle {
		t.Fatalf("FadeState() = %s, want idle", h.engine.FadeState())
	}
	h.sched.Advance(time.Minute)
	if len(h.backend.loads) != 1 {
		t.Fatalf("loads = %+v", h.backend.loads)
	}
}

func TestCancelPreemption(t *testing.T) {
	h := newHarness(t, true)
	snap := withPreempt(snapshotOf("a", epoch, 300), "b", epoch.Add(10*time.Second), 2000)
	h.transport.emit(snap)

	h.ctrl.CancelPreemption()
	h.sched.Flush()
	if h.engine.FadeState() != mediaengine.FadeStateIdle || h.ctrl.Snapshot().Preemption != nil {
		t.Fatal("preemption not cancelled")
	}

	// The transport stays open and repeating the cancelled schedule does not
	// re-arm it.
	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "b", epoch.Add(10*time.Second), 2000))
	if h.engine.FadeState() != mediaengine.FadeStateIdle {
		t.Fatal("cancelled schedule re-armed")
	}
	if h.transport.disconnects != 0 {
		t.Fatal("CancelPreemption disconnected the transport")
	}

	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "c", epoch.Add(30*time.Second), 2000))
	if h.engine.FadeState() != mediaengine.FadeStateScheduled {
		t.Fatal("new schedule not armed")
	}
}

func TestStopCancelsTimers(t *testing.T) {
	h := newHarness(t, true)
	var states int
	h.ctrl.OnState(func(State) { states++ })

	h.transport.emit(withPreempt(snapshotOf("a", epoch, 300), "b", epoch.Add(10*time.Second), 2000))
	<-h.ctrl.Stop()
	if h.transport.disconnects != 1 || h.presence.stops != 1 {
		t.Fatalf("disconnects=%d stops=%d", h.transport.disconnects, h.presence.stops)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatal(err)
	}
	if !h.backend.closed {
		t.Fatal("backend not closed")
	}
	if n := h.sched.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after Stop and Close", n)
	}

	before := states
	loads := len(h.backend.loads)
	h.sched.Advance(time.Hour)
	if states != before || len(h.backend.loads) != loads {
		t.Fatal("activity after Stop")
	}

	// Stop twice is harmless.
	<-h.ctrl.Stop()
	if h.transport.disconnects != 1 {
		t.Fatal("second Stop disconnected again")
	}
}

func TestStatusPublished(t *testing.T) {
	h := newHarness(t, true)
	sub := h.bus.Subscribe(events.EventStatus)

	var seen []models.ConnectionStatus
	h.ctrl.OnState(func(s State) { seen = append(seen, s.Status) })

	h.transport.setStatus(models.StatusLive, true)

	if len(seen) != 1 || seen[0] != models.StatusLive {
		t.Fatalf("OnState statuses = %v", seen)
	}
	st := h.ctrl.Snapshot()
	if st.Status != models.StatusLive || !st.Reachable {
		t.Fatalf("state = %+v", st)
	}
	p := <-sub
	if p["status"] != "live" || p["reachable"] != true {
		t.Fatalf("status payload = %v", p)
	}
	if h.transport.connects[0] != "sess-1" || h.presence.starts != 1 {
		t.Fatalf("connects=%v starts=%d", h.transport.connects, h.presence.starts)
	}
}

func TestCommandsRunOnLoop(t *testing.T) {
	h := newHarness(t, true)
	sub := h.bus.Subscribe(events.EventEngine)

	h.ctrl.SetVolume(0.5)
	if h.ctrl.Snapshot().Audio.Volume != 1 {
		t.Fatal("SetVolume applied before the loop ran")
	}
	h.sched.Flush()
	if v := h.ctrl.Snapshot().Audio.Volume; v != 0.5 {
		t.Fatalf("volume = %v, want 0.5", v)
	}

	h.ctrl.ToggleMute()
	h.sched.Flush()
	if !h.ctrl.Snapshot().Audio.Muted {
		t.Fatal("not muted")
	}

	<-sub
	if p := <-sub; p["muted"] != true {
		t.Fatalf("engine payload = %v", p)
	}
}

func TestFrameTickAdvancesClock(t *testing.T) {
	h := newHarness(t, true)
	h.transport.emit(snapshotOf("a", epoch, 30))

	h.sched.Advance(5 * time.Second)
	if got := h.ctrl.Snapshot().Clock.ElapsedSeconds; !near(got, 5) {
		t.Fatalf("elapsed = %v, want 5", got)
	}
	h.sched.Advance(time.Minute)
	if c := h.ctrl.Snapshot().Clock; c.ElapsedSeconds != 30 || c.RemainingSeconds != 0 {
		t.Fatalf("clock = %+v, want clamped 30/0", c)
	}
}
