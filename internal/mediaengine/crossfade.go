/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"time"

	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
)

// FadeState is the phase of a scheduled crossfade.
type FadeState string

const (
	FadeStateIdle      FadeState = "idle"
	FadeStateScheduled FadeState = "scheduled"
	FadeStateFadingOut FadeState = "fading_out"
	FadeStateFadingIn  FadeState = "fading_in"
)

// crossfade is one pending or running preemption. A sequence is
// fire → fade out → swap source → fade in → done, each step a loop timer.
type crossfade struct {
	schedule models.PreemptionSchedule
	state    FadeState
	task     loop.Task
}

// ScheduleCrossfade arranges for target to replace the current asset at
// fireAt: output gain ramps to zero over fade, target loads at offset 0, and
// gain ramps back to the stored volume over the same duration. A later call
// replaces the pending schedule, a nil target clears it, and repeating the
// schedule that is already pending or running does nothing.
func (e *Engine) ScheduleCrossfade(target *models.Asset, fireAt time.Time, fade time.Duration) {
	if target == nil {
		e.CancelCrossfade()
		return
	}
	if fade < 0 {
		fade = 0
	}

	next := models.PreemptionSchedule{Target: target, FireAt: fireAt, FadeDuration: fade}
	if e.fade != nil && e.fade.schedule.Same(&next) {
		return
	}
	if e.fade == nil && e.lastFired != nil && e.lastFired.Same(&next) {
		return
	}

	if e.fade != nil {
		e.abortCrossfade("replaced")
	}

	xf := &crossfade{schedule: next, state: FadeStateScheduled}
	e.fade = xf

	delay := fireAt.Sub(e.sched.Now())
	xf.task = e.sched.AfterFunc(delay, func() { e.fireCrossfade(xf) })

	e.logger.Debug().
		Str("target", target.ID).
		Time("fire_at", fireAt).
		Dur("fade", fade).
		Msg("crossfade scheduled")
}

// CancelCrossfade clears any pending or running crossfade. A crossfade
// interrupted while fading out restores the output gain.
func (e *Engine) CancelCrossfade() {
	if e.fade == nil {
		return
	}
	e.abortCrossfade("cancelled")
}

// FadeState returns the phase of the current crossfade.
func (e *Engine) FadeState() FadeState {
	if e.fade == nil {
		return FadeStateIdle
	}
	return e.fade.state
}

func (e *Engine) abortCrossfade(outcome string) {
	xf := e.fade
	e.fade = nil
	if xf.task != nil {
		xf.task.Stop()
	}
	if xf.state != FadeStateScheduled && e.ready {
		e.backend.RampGain(e.outputGain(), volumeRamp)
	}
	telemetry.AudioCrossfadesTotal.WithLabelValues(outcome).Inc()
	e.logger.Debug().Str("target", xf.schedule.Target.ID).Str("outcome", outcome).Msg("crossfade cleared")
}

func (e *Engine) fireCrossfade(xf *crossfade) {
	if e.fade != xf {
		return
	}
	if !e.ready {
		e.fade = nil
		telemetry.AudioCrossfadesTotal.WithLabelValues("skipped").Inc()
		e.logger.Debug().Str("target", xf.schedule.Target.ID).Msg("crossfade skipped, audio not ready")
		return
	}

	fade := xf.schedule.FadeDuration
	xf.state = FadeStateFadingOut
	e.backend.RampGain(0, fade)
	e.logger.Info().Str("target", xf.schedule.Target.ID).Dur("fade", fade).Msg("crossfade started")

	xf.task = e.sched.AfterFunc(fade, func() {
		if e.fade != xf {
			return
		}
		e.LoadAndPlay(*xf.schedule.Target, 0)
		xf.state = FadeStateFadingIn
		e.backend.RampGain(e.outputGain(), fade)

		xf.task = e.sched.AfterFunc(fade, func() {
			if e.fade != xf {
				return
			}
			e.fade = nil
			fired := xf.schedule
			e.lastFired = &fired
			// Volume may have changed while fading.
			e.backend.RampGain(e.outputGain(), volumeRamp)
			telemetry.AudioCrossfadesTotal.WithLabelValues("fired").Inc()
			e.logger.Info().Str("asset_id", fired.Target.ID).Msg("crossfade complete")
		})
	})
}
