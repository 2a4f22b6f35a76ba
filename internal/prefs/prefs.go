/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package prefs persists the small amount of listener state that survives a
// restart: output volume and mute.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Keys stored by the audio engine.
const (
	KeyVolume = "volume"
	KeyMuted  = "muted"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ErrNotFound is returned by Get for keys that were never written.
var ErrNotFound = errors.New("prefs: key not found")

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the YAML file for the file backend or the database file for
	// the sqlite backend.
	Path string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Namespace separates consoles sharing one Redis; usually the station id.
	Namespace string
}

// Open creates the configured backend. An unreachable Redis degrades to an
// in-memory store with a warning rather than failing startup.
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return OpenFile(cfg.Path)
	case BackendSQLite:
		return OpenSQLite(cfg.Path)
	case BackendRedis:
		return OpenRedis(cfg, logger)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown prefs backend: %s", cfg.Backend)
	}
}

// Audio is the persisted part of the audio engine state.
type Audio struct {
	Volume float64
	Muted  bool
}

// DefaultAudio is used for keys that are missing or unreadable.
var DefaultAudio = Audio{Volume: 1, Muted: false}

// ClampVolume limits v to [0,1]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LoadAudio reads volume and mute, falling back to defaults key by key.
func LoadAudio(ctx context.Context, s Store) Audio {
	a := DefaultAudio
	if s == nil {
		return a
	}
	if raw, err := s.Get(ctx, KeyVolume); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			a.Volume = ClampVolume(v)
		}
	}
	if raw, err := s.Get(ctx, KeyMuted); err == nil {
		a.Muted = strings.TrimSpace(raw) == "true"
	}
	return a
}

// SaveAudio writes both keys.
func SaveAudio(ctx context.Context, s Store, a Audio) error {
	if err := s.Set(ctx, KeyVolume, strconv.FormatFloat(ClampVolume(a.Volume), 'f', -1, 64)); err != nil {
		return fmt.Errorf("save volume: %w", err)
	}
	if err := s.Set(ctx, KeyMuted, strconv.FormatBool(a.Muted)); err != nil {
		return fmt.Errorf("save muted: %w", err)
	}
	return nil
}

// Writer persists audio state off the caller's goroutine. Save never blocks;
// only the latest value is written when saves arrive faster than the store
// accepts them.
type Writer struct {
	store  Store
	logger zerolog.Logger

	latest chan Audio
	done   chan struct{}
}

// NewWriter starts the background writer for store.
func NewWriter(store Store, logger zerolog.Logger) *Writer {
	w := &Writer{
		store:  store,
		logger: logger.With().Str("component", "prefs_writer").Logger(),
		latest: make(chan Audio, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Save queues a for writing, replacing any value not yet written.
func (w *Writer) Save(a Audio) {
	for {
		select {
		case w.latest <- a:
			return
		default:
		}
		select {
		case <-w.latest:
		default:
		}
	}
}

// Close flushes the pending value and stops the writer.
func (w *Writer) Close() {
	close(w.latest)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for a := range w.latest {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := SaveAudio(ctx, w.store, a); err != nil {
			w.logger.Warn().Err(err).Msg("failed to persist audio preferences")
		}
		cancel()
	}
}
