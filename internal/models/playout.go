/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ConnectionStatus is the transport channel's externally visible state.
type ConnectionStatus string

const (
	StatusConnecting      ConnectionStatus = "connecting"
	StatusLive            ConnectionStatus = "live"
	StatusReconnecting    ConnectionStatus = "reconnecting"
	StatusPollingFallback ConnectionStatus = "polling_fallback"
	StatusDisconnected    ConnectionStatus = "disconnected"
)

// PlaybackClock is the interpolated position within the current asset.
type PlaybackClock struct {
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// AudioEngineState is what the audio engine reports to the UI.
type AudioEngineState struct {
	Volume         float64    `json:"volume"`
	Muted          bool       `json:"muted"`
	Ready          bool       `json:"ready"`
	CurrentAssetID string     `json:"current_asset_id,omitempty"`
	MeterLevels    [2]float64 `json:"meter_levels"`
}

// PreemptionSchedule is a pending crossfade into Target at FireAt.
type PreemptionSchedule struct {
	Target       *Asset
	FireAt       time.Time
	FadeDuration time.Duration
}

// Same reports whether two schedules describe the same transition.
func (p *PreemptionSchedule) Same(other *PreemptionSchedule) bool {
	if p == nil || other == nil {
		return p == other
	}
	if (p.Target == nil) != (other.Target == nil) {
		return false
	}
	if p.Target != nil && p.Target.ID != other.Target.ID {
		return false
	}
	return p.FireAt.Equal(other.FireAt) && p.FadeDuration == other.FadeDuration
}
