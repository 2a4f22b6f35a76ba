/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/friendsincode/grimnir_listen/internal/logbuffer"
)

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	for _, k := range []string{"GRIMNIR_BASE_URL", "RLM_BASE_URL", "GRIMNIR_STATION_ID", "RLM_STATION_ID", "GRIMNIR_LIVE_URL", "GRIMNIR_LOG_FILE", "GRIMNIR_SESSION_KEY"} {
		unsetEnv(t, k)
	}
	t.Setenv("GRIMNIR_ENV", "test")

	dir := t.TempDir()
	envFile := filepath.Join(dir, "listen.env")
	if err := os.WriteFile(envFile, []byte("GRIMNIR_BASE_URL=https://radio.example.com/api\nGRIMNIR_STATION_ID=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	envFiles = []string{envFile}
	stationID = "from-flag"
	liveURL = "wss://live.example.com"
	t.Cleanup(func() {
		envFiles, stationID, liveURL = nil, "", ""
	})

	if err := loadConfig(versionCmd); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.BaseURL != "https://radio.example.com/api" {
		t.Fatalf("BaseURL = %q, want value from env file", cfg.BaseURL)
	}
	if cfg.StationID != "from-flag" || cfg.LiveURL != "wss://live.example.com" {
		t.Fatalf("flags not applied: station=%q live=%q", cfg.StationID, cfg.LiveURL)
	}
	if cfg.SessionKey == "" {
		t.Fatal("session key not generated")
	}
	logger.Info().Msg("captured")
	if len(logBuf.Query(logbuffer.QueryParams{Search: "captured"})) == 0 {
		t.Fatal("log buffer did not capture output")
	}
}

func TestLoadConfigRejectsMissingStation(t *testing.T) {
	for _, k := range []string{"GRIMNIR_STATION_ID", "RLM_STATION_ID", "GRIMNIR_LOG_FILE"} {
		unsetEnv(t, k)
	}
	t.Setenv("GRIMNIR_BASE_URL", "https://radio.example.com/api")
	envFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	t.Cleanup(func() { envFiles = nil })

	if err := loadConfig(versionCmd); err == nil {
		t.Fatal("expected error without a station id")
	}
}
