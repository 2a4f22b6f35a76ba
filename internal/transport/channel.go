/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package transport keeps a live now-playing session open. It prefers the
// push websocket, retries it with exponential backoff, and degrades to
// periodic polling when the websocket stays unavailable.
package transport

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
)

// Defaults for the reconnect and polling policy.
const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultPollInterval = 3 * time.Second
)

// Config describes the endpoints and policy of a channel.
type Config struct {
	StationID    string
	HTTPBaseURL  string
	LiveBaseURL  string // optional dedicated websocket base
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the standard policy for stationID.
func DefaultConfig(stationID, httpBase string) Config {
	return Config{
		StationID:    stationID,
		HTTPBaseURL:  httpBase,
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		PollInterval: DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// ReconnectDelay returns min(base * 2^attempt, max).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Channel owns the live link, the reconnect timer and the polling task for
// one station. All methods must be called on the loop.
type Channel struct {
	cfg     Config
	sched   loop.Scheduler
	dialer  Dialer
	fetcher Fetcher
	logger  zerolog.Logger

	status     models.ConnectionStatus
	reachable  bool
	sessionKey string
	attempt    int

	// gen identifies the current link or polling session; callbacks carrying
	// an older generation are ignored.
	gen          uint64
	link         Link
	retry        loop.Task
	poll         loop.Task
	pollCancel   func()
	pollInFlight bool

	onSnapshot []func(*models.BroadcastSnapshot)
	onStatus   []func(models.ConnectionStatus)
}

// NewChannel creates a channel in the connecting state. Nothing is dialed
// until Connect.
func NewChannel(cfg Config, sched loop.Scheduler, dialer Dialer, fetcher Fetcher, logger zerolog.Logger) *Channel {
	return &Channel{
		cfg:     cfg.withDefaults(),
		sched:   sched,
		dialer:  dialer,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "transport").Str("station_id", cfg.StationID).Logger(),
		status:  models.StatusConnecting,
	}
}

// OnSnapshot registers a snapshot subscriber.
func (c *Channel) OnSnapshot(fn func(*models.BroadcastSnapshot)) {
	c.onSnapshot = append(c.onSnapshot, fn)
}

// OnStatus registers a status subscriber. It is called when the status or
// the reachability changes.
func (c *Channel) OnStatus(fn func(models.ConnectionStatus)) {
	c.onStatus = append(c.onStatus, fn)
}

// Status returns the current connection status.
func (c *Channel) Status() models.ConnectionStatus {
	return c.status
}

// Reachable reports whether the server answered recently: an open live link,
// or a successful poll while in fallback.
func (c *Channel) Reachable() bool {
	return c.reachable
}

// Attempt returns the reconnect attempt counter.
func (c *Channel) Attempt() int {
	return c.attempt
}

// Connect starts a fresh session: everything from a previous session is torn
// down and the attempt counter is reset.
func (c *Channel) Connect(sessionKey string) {
	c.release()
	c.sessionKey = sessionKey
	c.attempt = 0
	c.set(models.StatusConnecting, false)
	c.dial()
}

// Disconnect tears everything down and enters the terminal state. No
// snapshot or status callbacks fire after it returns.
func (c *Channel) Disconnect() {
	if c.status == models.StatusDisconnected {
		return
	}
	c.release()
	c.set(models.StatusDisconnected, false)
	c.logger.Info().Msg("transport disconnected")
}

// release clears every timer, link and in-flight request owned by the
// current state and invalidates their callbacks.
func (c *Channel) release() {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.poll != nil {
		c.poll.Stop()
		c.poll = nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.pollInFlight = false
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
}

func (c *Channel) dial() {
	url, err := LiveURL(c.cfg.HTTPBaseURL, c.cfg.LiveBaseURL, c.cfg.StationID, c.sessionKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("no usable live endpoint, falling back to polling")
		c.enterPolling()
		return
	}

	gen := c.gen
	c.logger.Debug().Str("url", url).Int("attempt", c.attempt).Msg("dialing live transport")
	c.link = c.dialer.Dial(url, LinkHandler{
		OnOpen:    func() { c.handleOpen(gen) },
		OnMessage: func(data []byte) { c.handleMessage(gen, data) },
		OnClose:   func(err error) { c.handleClose(gen, err) },
	})
}

func (c *Channel) handleOpen(gen uint64) {
	if gen != c.gen || c.link == nil {
		return
	}
	c.logger.Info().Msg("live transport connected")
	c.set(models.StatusLive, true)
}

func (c *Channel) handleMessage(gen uint64, data []byte) {
	if gen != c.gen || c.link == nil {
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		telemetry.TransportDroppedTotal.Inc()
		c.logger.Debug().Err(err).Msg("dropping malformed message")
		return
	}

	switch env.Type {
	case models.MessagePing:
		c.link.Send([]byte(models.PongPayload))
	case models.MessageNowPlaying:
		if len(env.Data) == 0 {
			telemetry.TransportDroppedTotal.Inc()
			return
		}
		snap, err := models.DecodeSnapshot(env.Data, c.sched.Now())
		if err != nil {
			telemetry.TransportDroppedTotal.Inc()
			c.logger.Debug().Err(err).Msg("dropping malformed snapshot")
			return
		}
		telemetry.TransportSnapshotsTotal.WithLabelValues("live").Inc()
		c.emitSnapshot(snap)
	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring message type")
	}
}

func (c *Channel) handleClose(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.logger.Warn().Err(err).Int("attempt", c.attempt).Msg("live transport closed")
	c.fail()
}

// fail moves to reconnecting with backoff, or to polling once the attempt
// ceiling is reached.
func (c *Channel) fail() {
	c.release()

	if c.attempt >= c.cfg.MaxAttempts {
		c.logger.Warn().Int("attempts", c.attempt).Msg("live transport unavailable, switching to polling")
		c.enterPolling()
		return
	}

	delay := ReconnectDelay(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.attempt++
	telemetry.TransportReconnectsTotal.Inc()
	c.set(models.StatusReconnecting, false)

	gen := c.gen
	c.retry = c.sched.AfterFunc(delay, func() {
		if gen != c.gen {
			return
		}
		c.retry = nil
		c.dial()
	})
	c.logger.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("reconnect scheduled")
}

// enterPolling switches to the fallback transport for the rest of the
// session. There is no automatic upgrade back to the websocket.
func (c *Channel) enterPolling() {
	c.release()
	c.set(models.StatusPollingFallback, false)
	c.pollOnce()
	c.poll = c.sched.Every(c.cfg.PollInterval, c.pollOnce)
}

func (c *Channel) pollOnce() {
	if c.pollInFlight {
		return
	}
	url, err := PollURL(c.cfg.HTTPBaseURL, c.cfg.StationID)
	if err != nil {
		c.logger.Error().Err(err).Msg("no usable polling endpoint")
		return
	}

	gen := c.gen
	c.pollInFlight = true
	c.pollCancel = c.fetcher.Fetch(url, func(body []byte, err error) {
		c.handlePoll(gen, body, err)
	})
}

func (c *Channel) handlePoll(gen uint64, body []byte, err error) {
	if gen != c.gen || c.status != models.StatusPollingFallback {
		return
	}
	c.pollInFlight = false
	c.pollCancel = nil

	if err != nil {
		telemetry.TransportPollsTotal.WithLabelValues("error").Inc()
		c.logger.Debug().Err(err).Msg("snapshot poll failed")
		c.set(models.StatusPollingFallback, false)
		return
	}

	snap, err := models.DecodeSnapshot(body, c.sched.Now())
	if err != nil {
		telemetry.TransportPollsTotal.WithLabelValues("malformed").Inc()
		c.logger.Debug().Err(err).Msg("dropping malformed polled snapshot")
		return
	}

	telemetry.TransportPollsTotal.WithLabelValues("ok").Inc()
	telemetry.TransportSnapshotsTotal.WithLabelValues("poll").Inc()
	c.set(models.StatusPollingFallback, true)
	c.emitSnapshot(snap)
}

func (c *Channel) set(status models.ConnectionStatus, reachable bool) {
	if status == c.status && reachable == c.reachable {
		return
	}
	c.status = status
	c.reachable = reachable
	telemetry.SetTransportStatus(string(status))
	for _, fn := range c.onStatus {
		fn(status)
	}
}

func (c *Channel) emitSnapshot(snap *models.BroadcastSnapshot) {
	for _, fn := range c.onSnapshot {
		fn(snap)
	}
}
