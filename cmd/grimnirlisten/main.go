/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_listen/internal/config"
	"github.com/friendsincode/grimnir_listen/internal/logbuffer"
	"github.com/friendsincode/grimnir_listen/internal/logging"
)

var (
	logger  zerolog.Logger
	cfg     *config.Config
	logFile io.WriteCloser

	envFiles   []string
	stationID  string
	baseURL    string
	liveURL    string
	statusBind string
)

// logBuf captures recent log lines for the status API.
var logBuf = logbuffer.New(logbuffer.DefaultCapacity)

var rootCmd = &cobra.Command{
	Use:   "grimnirlisten",
	Short: "Grimnir Listen - live listener client for Grimnir Radio",
	Long: `Grimnir Listen follows a Grimnir Radio station's now-playing feed, keeps a
local playback clock in step with the broadcast and plays the programme
through GStreamer, crossfading on scheduled preemptions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVar(&envFiles, "env-file", nil, "Dotenv file to load before reading the environment (repeatable, default .env)")
	rootCmd.PersistentFlags().StringVar(&stationID, "station", "", "Station id (overrides GRIMNIR_STATION_ID)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Broadcast API base URL (overrides GRIMNIR_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&liveURL, "live-url", "", "Websocket base URL (overrides GRIMNIR_LIVE_URL)")
	rootCmd.PersistentFlags().StringVar(&statusBind, "status-bind", "", "Local status API address, empty string from env disables it")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	c := config.FromEnv()
	if stationID != "" {
		c.StationID = stationID
	}
	if baseURL != "" {
		c.BaseURL = baseURL
	}
	if liveURL != "" {
		c.LiveURL = liveURL
	}
	if cmd.Flags().Changed("status-bind") {
		c.StatusBind = statusBind
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = c

	var extra io.Writer = logbuffer.NewWriter(logBuf)
	if cfg.LogFile != "" {
		w, err := logging.OpenFile(logging.FileConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		})
		if err != nil {
			return err
		}
		logFile = w
		extra = io.MultiWriter(extra, w)
	}
	logger = logging.SetupWithWriter(cfg.Environment, extra)

	for _, w := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(w)
	}
	return nil
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
