/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_listen/internal/clock"
	"github.com/friendsincode/grimnir_listen/internal/console"
	"github.com/friendsincode/grimnir_listen/internal/eventbus"
	"github.com/friendsincode/grimnir_listen/internal/events"
	"github.com/friendsincode/grimnir_listen/internal/listeners"
	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/mediaengine"
	"github.com/friendsincode/grimnir_listen/internal/playout"
	"github.com/friendsincode/grimnir_listen/internal/prefs"
	"github.com/friendsincode/grimnir_listen/internal/server"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
	"github.com/friendsincode/grimnir_listen/internal/transport"
	"github.com/friendsincode/grimnir_listen/internal/version"
)

// displayInterval is how often the console bar is redrawn.
const displayInterval = 250 * time.Millisecond

var (
	noDisplay bool
	noAudio   bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow a station and play it",
	Long: `Connect to the station's now-playing feed, keep the playback clock in step
with the broadcast and play the current asset at the broadcast offset.

Examples:
  grimnirlisten listen --station main --base-url https://radio.example.com/api
  grimnirlisten listen --no-audio --status-bind 127.0.0.1:8490`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().BoolVar(&noDisplay, "no-display", false, "Do not draw the console progress bar")
	listenCmd.Flags().BoolVar(&noAudio, "no-audio", false, "Follow the clock without starting audio until enabled through the status API")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	defer closeLogFile()

	logger.Info().
		Str("station_id", cfg.StationID).
		Str("base_url", cfg.BaseURL).
		Str("version", version.Version).
		Msg("Grimnir Listen starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "grimnir-listen",
		ServiceVersion: version.Version,
		StationID:      cfg.StationID,
		SessionKey:     cfg.SessionKey,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	httpClient := telemetry.NewHTTPClient(15 * time.Second)

	store, err := prefs.Open(cfg.PrefsConfig(), logger)
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}
	defer store.Close()
	initial := prefs.LoadAudio(ctx, store)
	writer := prefs.NewWriter(store, logger)
	defer writer.Close()

	lp := loop.New(logger)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		lp.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	tcfg := transport.DefaultConfig(cfg.StationID, cfg.BaseURL)
	tcfg.LiveBaseURL = cfg.LiveURL
	channel := transport.NewChannel(tcfg, lp,
		// The websocket handshake is bounded by context; its client has no timeout.
		transport.NewWSDialer(lp, telemetry.NewHTTPClient(0), logger),
		transport.NewHTTPFetcher(lp, httpClient, logger),
		logger)

	clk := clock.New()

	backend := mediaengine.NewGStreamerBackend(mediaengine.BackendConfig{
		GStreamerBin: cfg.GStreamerBin,
		SinkElement:  cfg.AudioSink,
	}, logger)
	engine := mediaengine.New(backend, lp, mediaengine.Options{
		Initial: initial,
		Saver:   writer,
		Elapsed: playout.ElapsedFrom(clk),
	}, logger)

	heartbeat := listeners.New(cfg.BaseURL, cfg.StationID, cfg.SessionKey, httpClient, lp, logger)
	heartbeat.SetInterval(cfg.HeartbeatInterval)

	bus := events.NewBus()
	if cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Token = cfg.NATSToken
		natsCfg.Name = "grimnir-listen-" + cfg.StationID
		mirror, err := eventbus.Connect(natsCfg, bus, cfg.StationID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("event mirror unavailable, continuing without it")
		} else {
			mirror.Start()
			defer mirror.Close()
		}
	}

	ctrl := playout.New(playout.Config{
		StationID:       cfg.StationID,
		SessionKey:      cfg.SessionKey,
		FrameInterval:   cfg.FrameInterval,
		AutoEnableAudio: cfg.AudioEnabled && !noAudio,
	}, lp, channel, clk, engine, heartbeat, bus, logger)

	var statusSrv *server.Server
	if cfg.StatusBind != "" {
		statusSrv = server.New(cfg.StatusBind, ctrl, bus, logger)
		statusSrv.SetLogBuffer(logBuf)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status API error")
			}
		}()
	}

	var display *console.Display
	if !noDisplay {
		display = console.New(os.Stderr)
	}

	var displayTask loop.Task
	// Audio processes live until the loop is torn down, not until the signal.
	if err := lp.Call(ctx, func() {
		ctrl.Start(loopCtx)
		if display != nil {
			displayTask = lp.Every(displayInterval, func() { display.Render(ctrl.Snapshot()) })
		}
	}); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var disconnected <-chan struct{}
	if err := lp.Call(shutdownCtx, func() {
		if displayTask != nil {
			displayTask.Stop()
		}
		disconnected = ctrl.Stop()
	}); err != nil {
		logger.Error().Err(err).Msg("stop controller")
	}
	if disconnected != nil {
		select {
		case <-disconnected:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("disconnect notice did not finish before shutdown timeout")
		}
	}

	if err := lp.Call(shutdownCtx, func() {
		if err := ctrl.Close(); err != nil {
			logger.Error().Err(err).Msg("close audio engine")
		}
	}); err != nil {
		logger.Error().Err(err).Msg("close controller")
	}

	if display != nil {
		_ = display.Close()
	}
	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("status API shutdown failed")
		}
	}

	logger.Info().Msg("Grimnir Listen stopped")
	return nil
}
