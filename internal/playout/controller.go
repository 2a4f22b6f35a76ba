/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout wires the transport channel, the broadcast clock and the
// audio engine together and publishes the resulting state.
package playout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/clock"
	"github.com/friendsincode/grimnir_listen/internal/events"
	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/mediaengine"
	"github.com/friendsincode/grimnir_listen/internal/models"
)

// DefaultFrameInterval is how often the clock ticks and the meter is sampled.
const DefaultFrameInterval = 50 * time.Millisecond

// Transport is the snapshot source. *transport.Channel implements it.
type Transport interface {
	Connect(sessionKey string)
	Disconnect()
	OnSnapshot(fn func(*models.BroadcastSnapshot))
	OnStatus(fn func(models.ConnectionStatus))
	Status() models.ConnectionStatus
	Reachable() bool
}

// Audio is the playback side. *mediaengine.Engine implements it.
type Audio interface {
	Initialize(ctx context.Context) error
	Ready() bool
	CurrentAssetID() string
	LoadAndPlay(asset models.Asset, offset float64)
	SetVolume(v float64)
	ToggleMute()
	SampleMeterLevels() [2]float64
	State() models.AudioEngineState
	ScheduleCrossfade(target *models.Asset, fireAt time.Time, fade time.Duration)
	CancelCrossfade()
	Close() error
}

// Presence announces the listener. *listeners.Heartbeat implements it.
type Presence interface {
	Start()
	Stop() <-chan struct{}
}

// Config configures a Controller.
type Config struct {
	StationID     string
	SessionKey    string
	FrameInterval time.Duration
	// AutoEnableAudio initializes the engine on Start instead of waiting for
	// EnableAudio.
	AutoEnableAudio bool
}

// State is everything a display needs, published as one value.
type State struct {
	StationID  string                    `json:"station_id"`
	Status     models.ConnectionStatus   `json:"status"`
	Reachable  bool                      `json:"reachable"`
	Snapshot   *models.BroadcastSnapshot `json:"snapshot,omitempty"`
	Clock      models.PlaybackClock      `json:"clock"`
	Audio      models.AudioEngineState   `json:"audio"`
	Preemption *PreemptionView           `json:"preemption,omitempty"`
}

// PreemptionView describes the crossfade currently handed to the engine.
type PreemptionView struct {
	TargetAssetID string    `json:"target_asset_id"`
	FireAt        time.Time `json:"fire_at"`
	FadeMs        int64     `json:"fade_ms"`
}

// Controller is the composition root of the live client. Its state is
// owned by the loop; Snapshot and the command methods are safe from any
// goroutine.
type Controller struct {
	cfg       Config
	sched     loop.Scheduler
	transport Transport
	clock     *clock.Synchronizer
	audio     Audio
	presence  Presence
	bus       *events.Bus
	logger    zerolog.Logger

	frame      loop.Task
	running    bool
	listening  bool
	preemption *models.PreemptionSchedule
	dismissed  *models.PreemptionSchedule
	onState    []func(State)

	mu        sync.RWMutex
	published State
}

// New creates a stopped controller. presence and bus may be nil.
func New(cfg Config, sched loop.Scheduler, transport Transport, clk *clock.Synchronizer, audio Audio, presence Presence, bus *events.Bus, logger zerolog.Logger) *Controller {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	c := &Controller{
		cfg:       cfg,
		sched:     sched,
		transport: transport,
		clock:     clk,
		audio:     audio,
		presence:  presence,
		bus:       bus,
		logger:    logger.With().Str("component", "playout").Str("station_id", cfg.StationID).Logger(),
	}
	c.published = c.buildState()

	transport.OnSnapshot(c.handleSnapshot)
	transport.OnStatus(c.handleStatus)
	return c
}

// ElapsedFrom adapts a synchronizer for the engine's drift correction.
func ElapsedFrom(s *clock.Synchronizer) mediaengine.ElapsedFunc {
	return func(now time.Time) (string, float64, bool) {
		if !s.Playing() {
			return "", 0, false
		}
		return s.Snapshot().AssetID(), s.Elapsed(now), true
	}
}

// OnState registers a callback fired on the loop after every state change
// other than a plain frame tick.
func (c *Controller) OnState(fn func(State)) {
	c.onState = append(c.onState, fn)
}

// Snapshot returns a copy of the latest published state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Start connects the transport and starts the frame task. The presence
// heartbeat starts once audio is enabled. Must be called on the loop.
func (c *Controller) Start(ctx context.Context) {
	if c.running {
		return
	}
	c.running = true
	c.logger.Info().Msg("playout controller started")

	if c.cfg.AutoEnableAudio {
		c.enableAudio(ctx)
	}
	c.frame = c.sched.Every(c.cfg.FrameInterval, c.tick)
	c.transport.Connect(c.cfg.SessionKey)
	c.changed()
}

// Stop cancels the frame task, the pending crossfade, the heartbeat and the
// transport within the current loop turn. The returned channel closes when
// the disconnect notice has been delivered. Must be called on the loop.
func (c *Controller) Stop() <-chan struct{} {
	if !c.running {
		done := make(chan struct{})
		close(done)
		return done
	}
	c.running = false

	c.frame.Stop()
	c.frame = nil
	c.audio.CancelCrossfade()
	c.preemption = nil
	c.transport.Disconnect()

	var done <-chan struct{}
	if c.listening {
		c.listening = false
		done = c.presence.Stop()
	} else {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}
	c.logger.Info().Msg("playout controller stopped")
	c.changed()
	return done
}

// Close releases the audio engine. Call after Stop.
func (c *Controller) Close() error {
	return c.audio.Close()
}

// SetVolume changes the output volume.
func (c *Controller) SetVolume(v float64) {
	c.sched.Post(func() {
		c.audio.SetVolume(v)
		c.publishEngine()
	})
}

// ToggleMute flips mute.
func (c *Controller) ToggleMute() {
	c.sched.Post(func() {
		c.audio.ToggleMute()
		c.publishEngine()
	})
}

// EnableAudio builds the audio graph, the equivalent of the user gesture a
// browser demands, and starts the current asset at the broadcast offset.
func (c *Controller) EnableAudio(ctx context.Context) {
	c.sched.Post(func() { c.enableAudio(ctx) })
}

// CancelPreemption drops the pending crossfade while keeping the transport
// open. The same schedule is not re-armed by later snapshots; a different
// one is.
func (c *Controller) CancelPreemption() {
	c.sched.Post(func() {
		c.audio.CancelCrossfade()
		if c.preemption != nil {
			c.dismissed = c.preemption
		}
		c.preemption = nil
		c.publishPreemption()
		c.changed()
	})
}

func (c *Controller) enableAudio(ctx context.Context) {
	if err := c.audio.Initialize(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("audio not enabled")
		c.publishEngine()
		return
	}
	c.prime(c.sched.Now())
	c.applyPreemption(c.sched.Now())
	c.publishEngine()

	// Display-only clients are not counted as listeners.
	if c.running && !c.listening && c.presence != nil {
		c.listening = true
		c.presence.Start()
	}
}

func (c *Controller) handleSnapshot(snap *models.BroadcastSnapshot) {
	now := c.sched.Now()
	previous := c.clock.Snapshot().AssetID()

	c.clock.Update(snap)
	c.clock.Tick(now)
	c.prime(now)
	c.applyPreemption(now)

	if snap.AssetID() != previous {
		c.publishNowPlaying(snap)
	}
	c.changed()
}

// prime loads the clock's asset unless the engine already plays it.
func (c *Controller) prime(now time.Time) {
	snap := c.clock.Snapshot()
	if snap == nil || snap.Asset == nil || !c.audio.Ready() {
		return
	}
	if c.audio.CurrentAssetID() == snap.Asset.ID {
		return
	}
	c.audio.LoadAndPlay(*snap.Asset, c.clock.Elapsed(now))
}

func (c *Controller) applyPreemption(now time.Time) {
	next := DerivePreemption(c.clock.Snapshot(), now)
	if next != nil && next.Same(c.dismissed) {
		next = nil
	}
	if next.Same(c.preemption) {
		return
	}
	prev := c.preemption
	c.preemption = next
	if next == nil {
		// A crossfade that already fired runs to completion.
		if prev.FireAt.After(now) {
			c.audio.ScheduleCrossfade(nil, time.Time{}, 0)
		}
	} else {
		c.audio.ScheduleCrossfade(next.Target, next.FireAt, next.FadeDuration)
	}
	c.publishPreemption()
}

func (c *Controller) handleStatus(status models.ConnectionStatus) {
	if c.bus != nil {
		c.bus.Publish(events.EventStatus, events.Payload{
			"station_id": c.cfg.StationID,
			"status":     string(status),
			"reachable":  c.transport.Reachable(),
		})
	}
	c.changed()
}

func (c *Controller) tick() {
	now := c.sched.Now()
	c.clock.Tick(now)
	c.audio.SampleMeterLevels()

	// A schedule whose time passed without fresh data is dropped.
	if c.preemption != nil && now.After(c.preemption.FireAt.Add(c.preemption.FadeDuration*2)) {
		c.preemption = nil
		c.publishPreemption()
	}
	c.store(c.buildState())
}

func (c *Controller) buildState() State {
	st := State{
		StationID: c.cfg.StationID,
		Status:    c.transport.Status(),
		Reachable: c.transport.Reachable(),
		Snapshot:  c.clock.Snapshot(),
		Clock:     c.clock.Last(),
		Audio:     c.audio.State(),
	}
	if p := c.preemption; p != nil && p.Target != nil {
		st.Preemption = &PreemptionView{
			TargetAssetID: p.Target.ID,
			FireAt:        p.FireAt,
			FadeMs:        p.FadeDuration.Milliseconds(),
		}
	}
	return st
}

func (c *Controller) store(st State) {
	c.mu.Lock()
	c.published = st
	c.mu.Unlock()
}

func (c *Controller) changed() {
	st := c.buildState()
	c.store(st)
	for _, fn := range c.onState {
		fn(st)
	}
}

func (c *Controller) publishNowPlaying(snap *models.BroadcastSnapshot) {
	if c.bus == nil {
		return
	}
	payload := events.Payload{"station_id": c.cfg.StationID}
	if snap != nil && snap.Asset != nil {
		payload["asset_id"] = snap.Asset.ID
		payload["title"] = snap.Asset.Title
		payload["artist"] = snap.Asset.Artist
		payload["duration"] = float64(snap.Asset.Duration)
		payload["started_at"] = snap.StartedAt.Time
		if snap.ListenerCount != nil {
			payload["listener_count"] = *snap.ListenerCount
		}
	}
	c.bus.Publish(events.EventNowPlaying, payload)
}

func (c *Controller) publishEngine() {
	if c.bus != nil {
		st := c.audio.State()
		c.bus.Publish(events.EventEngine, events.Payload{
			"station_id":       c.cfg.StationID,
			"ready":            st.Ready,
			"volume":           st.Volume,
			"muted":            st.Muted,
			"current_asset_id": st.CurrentAssetID,
		})
	}
	c.changed()
}

func (c *Controller) publishPreemption() {
	if c.bus == nil {
		return
	}
	payload := events.Payload{"station_id": c.cfg.StationID, "pending": c.preemption != nil}
	if p := c.preemption; p != nil {
		payload["target_asset_id"] = p.Target.ID
		payload["fire_at"] = p.FireAt
		payload["fade_ms"] = p.FadeDuration.Milliseconds()
	}
	c.bus.Publish(events.EventPreemption, payload)
}
