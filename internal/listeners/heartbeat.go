/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package listeners reports listener presence to the broadcast server.
package listeners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
	"github.com/friendsincode/grimnir_listen/internal/transport"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = 30 * time.Second

// Payload is the body of heartbeat and disconnect requests.
type Payload struct {
	StationID  string `json:"station_id"`
	SessionKey string `json:"session_key"`
}

// Heartbeat posts a presence ping immediately on Start and then every
// interval, and a disconnect notice on Stop. Failures are logged and
// ignored. Start and Stop must be called on the loop.
type Heartbeat struct {
	httpBase string
	payload  Payload
	client   *http.Client
	sched    loop.Scheduler
	interval time.Duration
	logger   zerolog.Logger

	task    loop.Task
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped heartbeat.
func New(httpBase, stationID, sessionKey string, client *http.Client, sched loop.Scheduler, logger zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		httpBase: httpBase,
		payload:  Payload{StationID: stationID, SessionKey: sessionKey},
		client:   client,
		sched:    sched,
		interval: DefaultInterval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// SetInterval overrides the period. Takes effect on the next Start.
func (h *Heartbeat) SetInterval(d time.Duration) {
	if d > 0 {
		h.interval = d
	}
}

// Start begins sending heartbeats.
func (h *Heartbeat) Start() {
	if h.running {
		return
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.beat()
	h.task = h.sched.Every(h.interval, h.beat)
}

// Stop cancels the periodic heartbeat and sends one disconnect notice in the
// background. The returned channel is closed once that request finishes.
func (h *Heartbeat) Stop() <-chan struct{} {
	done := make(chan struct{})
	if !h.running {
		close(done)
		return done
	}
	h.running = false
	h.task.Stop()
	h.task = nil
	h.cancel()

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.post(ctx, "disconnect")
	}()
	return done
}

func (h *Heartbeat) beat() {
	ctx := h.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		h.post(ctx, "heartbeat")
	}()
}

func (h *Heartbeat) post(ctx context.Context, kind string) {
	if err := h.send(ctx, kind); err != nil {
		if ctx.Err() == nil {
			h.logger.Debug().Err(err).Str("kind", kind).Msg("listener presence request failed")
		}
		telemetry.HeartbeatsTotal.WithLabelValues(kind, "error").Inc()
		return
	}
	telemetry.HeartbeatsTotal.WithLabelValues(kind, "ok").Inc()
}

func (h *Heartbeat) send(ctx context.Context, kind string) error {
	url, err := transport.JoinHTTP(h.httpBase, "listeners", kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(h.payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", kind, resp.StatusCode)
	}
	return nil
}
