/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock derives the local playback position from broadcast
// snapshots by wall-clock interpolation.
package clock

import (
	"fmt"
	"math"
	"time"

	"github.com/friendsincode/grimnir_listen/internal/models"
)

// Synchronizer holds the latest snapshot and interpolates elapsed and
// remaining time from it. It never asks the transport for a position; a new
// snapshot is the only way the basis changes.
//
// now and StartedAt must both be wall-clock readings. time.Time values
// decoded from JSON carry no monotonic component, so Sub between them is a
// plain wall-clock difference.
type Synchronizer struct {
	snapshot *models.BroadcastSnapshot
	last     models.PlaybackClock
}

// New returns a synchronizer with no snapshot.
func New() *Synchronizer {
	return &Synchronizer{}
}

// Update replaces the basis snapshot. nil clears it. The cached clock is
// reset when the asset changes so stale positions never leak across tracks.
func (s *Synchronizer) Update(snapshot *models.BroadcastSnapshot) {
	if snapshot.AssetID() != s.snapshot.AssetID() {
		s.last = models.PlaybackClock{}
	}
	s.snapshot = snapshot
}

// Snapshot returns the current basis snapshot.
func (s *Synchronizer) Snapshot() *models.BroadcastSnapshot {
	return s.snapshot
}

// Tick recomputes the clock at now and caches it for Last.
func (s *Synchronizer) Tick(now time.Time) models.PlaybackClock {
	s.last = Compute(s.snapshot, now)
	return s.last
}

// Last returns the clock computed by the most recent Tick.
func (s *Synchronizer) Last() models.PlaybackClock {
	return s.last
}

// Elapsed returns seconds since the snapshot started, clamped like Tick.
func (s *Synchronizer) Elapsed(now time.Time) float64 {
	return Compute(s.snapshot, now).ElapsedSeconds
}

// Playing reports whether the snapshot is usable for interpolation.
func (s *Synchronizer) Playing() bool {
	return valid(s.snapshot)
}

// Compute is the pure interpolation: elapsed = max(0, now-startedAt) capped
// at the nominal duration, remaining = max(0, duration-elapsed). Snapshots
// without a start time or a positive duration yield the zero clock.
func Compute(snapshot *models.BroadcastSnapshot, now time.Time) models.PlaybackClock {
	if !valid(snapshot) {
		return models.PlaybackClock{}
	}
	duration := snapshot.DurationSeconds()
	elapsed := math.Min(duration, math.Max(0, now.Sub(snapshot.StartedAt.Time).Seconds()))
	return models.PlaybackClock{
		ElapsedSeconds:   elapsed,
		RemainingSeconds: math.Max(0, duration-elapsed),
	}
}

func valid(snapshot *models.BroadcastSnapshot) bool {
	if snapshot == nil || snapshot.Asset == nil || snapshot.StartedAt.IsZero() {
		return false
	}
	d := snapshot.DurationSeconds()
	return d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d)
}

// Progress returns elapsed/duration in [0,1].
func Progress(c models.PlaybackClock) float64 {
	total := c.ElapsedSeconds + c.RemainingSeconds
	if total <= 0 {
		return 0
	}
	return math.Min(1, c.ElapsedSeconds/total)
}

// Format renders seconds as m:ss, or h:mm:ss past an hour.
func Format(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int(seconds)
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
