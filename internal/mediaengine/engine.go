/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mediaengine drives audio playback for the live client: it loads
// the asset on air at the server-derived offset, keeps it aligned with the
// broadcast clock, controls volume and mute, samples levels for the VU meter
// and runs scheduled preemption crossfades.
package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/prefs"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
)

// ErrNotReady is returned by Initialize once the graph build has failed.
var ErrNotReady = errors.New("audio engine not ready")

const (
	volumeRamp            = 20 * time.Millisecond
	DefaultDriftInterval  = 5 * time.Second
	DefaultDriftThreshold = 2.0
	meterBins             = 1024
)

// Saver persists volume and mute. *prefs.Writer implements it.
type Saver interface {
	Save(prefs.Audio)
}

// ElapsedFunc reports which asset the broadcast clock describes and how far
// into it the broadcast is at now. ok is false when the clock is idle.
type ElapsedFunc func(now time.Time) (assetID string, elapsed float64, ok bool)

// Options configures an Engine.
type Options struct {
	// Initial volume and mute, usually prefs.LoadAudio.
	Initial prefs.Audio
	Saver   Saver
	Elapsed ElapsedFunc

	DriftInterval  time.Duration
	DriftThreshold float64
}

// Engine owns the audio backend. All methods must be called on the loop.
type Engine struct {
	backend Backend
	sched   loop.Scheduler
	opts    Options
	logger  zerolog.Logger

	initialized bool
	ready       bool
	volume      float64
	muted       bool
	current     *models.Asset
	meter       [2]float64
	freq        []byte

	drift     loop.Task
	fade      *crossfade
	lastFired *models.PreemptionSchedule
}

// New creates an engine around backend. The graph is not built until
// Initialize.
func New(backend Backend, sched loop.Scheduler, opts Options, logger zerolog.Logger) *Engine {
	if opts.DriftInterval <= 0 {
		opts.DriftInterval = DefaultDriftInterval
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = DefaultDriftThreshold
	}
	return &Engine{
		backend: backend,
		sched:   sched,
		opts:    opts,
		logger:  logger.With().Str("component", "audio_engine").Logger(),
		volume:  prefs.ClampVolume(opts.Initial.Volume),
		muted:   opts.Initial.Muted,
		freq:    make([]byte, meterBins),
	}
}

// Initialize builds the audio graph on first use and resumes it afterwards.
// When the first build fails the engine stays inert for the rest of the
// session and every later call returns ErrNotReady.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized {
		if !e.ready {
			return ErrNotReady
		}
		if err := e.backend.Resume(ctx); err != nil {
			e.logger.Debug().Err(err).Msg("audio resume failed")
		}
		return nil
	}
	e.initialized = true

	if err := e.backend.Open(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("audio unavailable, continuing without playback")
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	e.ready = true
	e.backend.RampGain(e.outputGain(), 0)
	e.drift = e.sched.Every(e.opts.DriftInterval, e.correctDrift)
	e.logger.Info().Float64("volume", e.volume).Bool("muted", e.muted).Msg("audio engine ready")
	return nil
}

// Ready reports whether the graph was built.
func (e *Engine) Ready() bool { return e.ready }

// CurrentAssetID returns the loaded asset id, or "".
func (e *Engine) CurrentAssetID() string {
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// LoadAndPlay starts asset at offset seconds. Calling it again for the asset
// already loaded does nothing.
func (e *Engine) LoadAndPlay(asset models.Asset, offset float64) {
	if !e.ready {
		return
	}
	if e.current != nil && e.current.ID == asset.ID {
		return
	}
	if offset < 0 || math.IsNaN(offset) {
		offset = 0
	}

	if err := e.backend.Load(asset, offset); err != nil {
		telemetry.AudioLoadsTotal.WithLabelValues("error").Inc()
		e.logger.Debug().Err(err).Str("asset_id", asset.ID).Msg("load failed")
		return
	}

	a := asset
	e.current = &a
	telemetry.AudioLoadsTotal.WithLabelValues("ok").Inc()
	e.logger.Info().
		Str("asset_id", asset.ID).
		Str("title", asset.Title).
		Float64("offset", offset).
		Msg("playing asset")
}

// SetVolume clamps v to [0,1], ramps the output to it unless muted, and
// persists it.
func (e *Engine) SetVolume(v float64) {
	e.volume = prefs.ClampVolume(v)
	e.applyGain()
	e.persist()
}

// ToggleMute silences the output, or restores the last explicit volume.
func (e *Engine) ToggleMute() {
	e.muted = !e.muted
	e.applyGain()
	e.persist()
}

// SampleMeterLevels returns the current VU levels. See MeterLevels for how
// the two values are derived.
func (e *Engine) SampleMeterLevels() [2]float64 {
	if !e.ready {
		e.meter = [2]float64{}
		return e.meter
	}
	n := e.backend.FrequencyData(e.freq)
	e.meter = MeterLevels(e.freq[:n])
	telemetry.AudioMeterLevel.WithLabelValues("left").Set(e.meter[0])
	telemetry.AudioMeterLevel.WithLabelValues("right").Set(e.meter[1])
	return e.meter
}

// State returns the engine state for display.
func (e *Engine) State() models.AudioEngineState {
	return models.AudioEngineState{
		Volume:         e.volume,
		Muted:          e.muted,
		Ready:          e.ready,
		CurrentAssetID: e.CurrentAssetID(),
		MeterLevels:    e.meter,
	}
}

// Close cancels timers and releases the backend.
func (e *Engine) Close() error {
	if e.fade != nil {
		e.abortCrossfade("cancelled")
	}
	if e.drift != nil {
		e.drift.Stop()
		e.drift = nil
	}
	wasReady := e.ready
	e.ready = false
	e.current = nil
	if !wasReady {
		return nil
	}
	return e.backend.Close()
}

func (e *Engine) outputGain() float64 {
	if e.muted {
		return 0
	}
	return e.volume
}

func (e *Engine) applyGain() {
	if !e.ready {
		return
	}
	// A running crossfade owns the gain until it completes.
	if e.fade != nil && e.fade.state != FadeStateScheduled {
		return
	}
	e.backend.RampGain(e.outputGain(), volumeRamp)
}

func (e *Engine) persist() {
	if e.opts.Saver != nil {
		e.opts.Saver.Save(prefs.Audio{Volume: e.volume, Muted: e.muted})
	}
}

// correctDrift re-seeks the backend when its position has wandered more
// than the threshold away from the broadcast clock.
func (e *Engine) correctDrift() {
	if !e.ready || e.current == nil || e.opts.Elapsed == nil {
		return
	}
	if e.fade != nil && e.fade.state != FadeStateScheduled {
		return
	}
	if !e.backend.Playing() {
		return
	}

	assetID, elapsed, ok := e.opts.Elapsed(e.sched.Now())
	if !ok || assetID != e.current.ID {
		return
	}

	pos := e.backend.Position()
	diff := elapsed - pos
	telemetry.AudioDriftSeconds.Set(diff)
	if math.Abs(diff) <= e.opts.DriftThreshold {
		return
	}

	if err := e.backend.Seek(elapsed); err != nil {
		e.logger.Debug().Err(err).Msg("drift seek failed")
		return
	}
	telemetry.AudioDriftCorrectionsTotal.Inc()
	e.logger.Debug().
		Float64("position", pos).
		Float64("elapsed", elapsed).
		Msg("corrected playback drift")
}
