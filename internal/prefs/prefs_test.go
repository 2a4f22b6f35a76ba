/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package prefs

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.25, 0.25},
		{1, 1},
		{5, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := ClampVolume(tt.in); got != tt.want {
			t.Errorf("ClampVolume(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadAudioDefaultsAndClamping(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		values map[string]string
		want   Audio
	}{
		{"empty", nil, Audio{Volume: 1}},
		{"stored", map[string]string{"volume": "0.4", "muted": "true"}, Audio{Volume: 0.4, Muted: true}},
		{"above range", map[string]string{"volume": "3"}, Audio{Volume: 1}},
		{"below range", map[string]string{"volume": "-0.5"}, Audio{Volume: 0}},
		{"garbage volume", map[string]string{"volume": "loud", "muted": "false"}, Audio{Volume: 1}},
		{"garbage muted", map[string]string{"muted": "yes"}, Audio{Volume: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory()
			for k, v := range tt.values {
				_ = s.Set(ctx, k, v)
			}
			if got := LoadAudio(ctx, s); got != tt.want {
				t.Fatalf("LoadAudio() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if got := LoadAudio(ctx, nil); got != DefaultAudio {
		t.Fatalf("LoadAudio(nil) = %+v", got)
	}
}

// exerciseStore runs the same contract checks against every backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := SaveAudio(ctx, s, Audio{Volume: 0.35, Muted: true}); err != nil {
		t.Fatalf("SaveAudio: %v", err)
	}
	if got := LoadAudio(ctx, s); got != (Audio{Volume: 0.35, Muted: true}) {
		t.Fatalf("LoadAudio() = %+v", got)
	}

	if err := s.Set(ctx, KeyVolume, "0.8"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, err := s.Get(ctx, KeyVolume)
	if err != nil || v != "0.8" {
		t.Fatalf("Get(volume) = %q, %v", v, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.yaml")

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseStore(t, s)

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := LoadAudio(context.Background(), reopened); got.Volume != 0.8 || !got.Muted {
		t.Fatalf("reopened LoadAudio() = %+v", got)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	if err := os.WriteFile(path, []byte("volume: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := SaveAudio(context.Background(), s, Audio{Volume: 0.5}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got := LoadAudio(context.Background(), s); got != (Audio{Volume: 0.5}) {
		t.Fatalf("LoadAudio() = %+v", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GRIMNIR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRIMNIR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ns := "test-" + t.Name()
	defer client.Del(context.Background(), redisKeyPrefix+ns)

	exerciseStore(t, NewRedis(client, ns))
}

func TestOpenRedisFallsBackToMemory(t *testing.T) {
	s, err := Open(Config{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("Open returned %T, want *Memory", s)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "etcd"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriterPersistsLatest(t *testing.T) {
	s := NewMemory()
	w := NewWriter(s, zerolog.Nop())
	for i := 1; i <= 10; i++ {
		w.Save(Audio{Volume: float64(i) / 10})
	}
	w.Save(Audio{Volume: 0.3, Muted: true})
	w.Close()

	if got := LoadAudio(context.Background(), s); got != (Audio{Volume: 0.3, Muted: true}) {
		t.Fatalf("LoadAudio() = %+v", got)
	}
}
