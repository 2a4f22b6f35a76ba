/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_listen/internal/clock"
	"github.com/friendsincode/grimnir_listen/internal/loop"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
	"github.com/friendsincode/grimnir_listen/internal/transport"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Fetch the current now-playing snapshot once",
	Long: `Fetch the station's now-playing snapshot over the polling endpoint, print it
as JSON together with the computed playback clock and exit.

Examples:
  grimnirlisten probe --station main --base-url https://radio.example.com/api`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.AddCommand(probeCmd)
}

type probeResult struct {
	URL      string                    `json:"url"`
	Snapshot *models.BroadcastSnapshot `json:"snapshot"`
	Clock    models.PlaybackClock      `json:"clock"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	defer closeLogFile()

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "probe")
	defer span.End()

	url, err := transport.PollURL(cfg.BaseURL, cfg.StationID)
	if err != nil {
		return err
	}
	telemetry.AddSpanAttributes(span, map[string]any{"station_id": cfg.StationID, "url": url, "timeout": probeTimeout})

	fetcher := transport.NewHTTPFetcher(loop.New(logger), telemetry.NewHTTPClient(probeTimeout), logger)
	body, err := fetcher.FetchOnce(ctx, url)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	snap, err := models.DecodeSnapshot(body, time.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("decode snapshot: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(probeResult{
		URL:      url,
		Snapshot: snap,
		Clock:    clock.Compute(snap, time.Now()),
	})
}
