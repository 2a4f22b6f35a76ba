/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Live transport message types.
const (
	MessageNowPlaying = "now_playing"
	MessagePing       = "ping"

	// PongPayload is the literal reply to a ping envelope.
	PongPayload = "pong"
)

// Envelope is one inbound live transport message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Asset describes a playable media item as the broadcast API reports it.
type Asset struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	Duration   Seconds `json:"duration"`
	AudioURL   string  `json:"audio_url,omitempty"`
	CueIn      Seconds `json:"cue_in,omitempty"`
	CueOut     Seconds `json:"cue_out,omitempty"`
	ReplayGain float64 `json:"replay_gain,omitempty"` // dB
}

// QueueEntry is an upcoming asset, optionally scheduled to preempt whatever
// is playing at PreemptAt.
type QueueEntry struct {
	Asset
	PreemptAt Timestamp `json:"preempt_at,omitempty"`
	FadeMs    int       `json:"fade_ms,omitempty"`
}

// BroadcastSnapshot is one authoritative whole-state update about what a
// station is playing. Snapshots are replaced, never patched.
type BroadcastSnapshot struct {
	StationID     string       `json:"station_id"`
	Asset         *Asset       `json:"asset"`
	StartedAt     Timestamp    `json:"started_at"`
	NextAsset     *QueueEntry  `json:"next_asset,omitempty"`
	ListenerCount *int         `json:"listener_count,omitempty"`
	Queue         []QueueEntry `json:"queue,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// AssetID returns the current asset id or "" when nothing is playing.
func (s *BroadcastSnapshot) AssetID() string {
	if s == nil || s.Asset == nil {
		return ""
	}
	return s.Asset.ID
}

// DurationSeconds returns the nominal duration of the current asset.
func (s *BroadcastSnapshot) DurationSeconds() float64 {
	if s == nil || s.Asset == nil {
		return 0
	}
	return float64(s.Asset.Duration)
}

// Upcoming returns the queue in order, with NextAsset first when the queue
// does not already start with it.
func (s *BroadcastSnapshot) Upcoming() []QueueEntry {
	if s == nil {
		return nil
	}
	out := make([]QueueEntry, 0, len(s.Queue)+1)
	if s.NextAsset != nil && (len(s.Queue) == 0 || s.Queue[0].ID != s.NextAsset.ID) {
		out = append(out, *s.NextAsset)
	}
	return append(out, s.Queue...)
}

// DecodeSnapshot parses a snapshot body and stamps its receive time.
func DecodeSnapshot(data []byte, receivedAt time.Time) (*BroadcastSnapshot, error) {
	var snap BroadcastSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	snap.ReceivedAt = receivedAt
	return &snap, nil
}

// Timestamp is an absolute instant that tolerates the formats the API has
// used: RFC 3339 strings, epoch milliseconds and epoch seconds. Anything it
// cannot read decodes to the zero time rather than failing the payload.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	t.Time = parseTimestamp(bytes.TrimSpace(b))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func parseTimestamp(b []byte) time.Time {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return time.Time{}
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return time.Time{}
		}
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return epochToTime(s)
	}
	return epochToTime(string(b))
}

func epochToTime(s string) time.Time {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Seconds is a duration in seconds that decodes from numbers or numeric
// strings. Unreadable values decode to 0.
type Seconds float64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		if unq, err := strconv.Unquote(string(b)); err == nil {
			b = []byte(strings.TrimSpace(unq))
		}
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*s = 0
		return nil
	}
	*s = Seconds(v)
	return nil
}
