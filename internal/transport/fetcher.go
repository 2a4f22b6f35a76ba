/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/loop"
)

const maxSnapshotBody = 1 << 20

// Fetcher issues one-shot snapshot requests for the polling fallback.
type Fetcher interface {
	// Fetch requests url in the background and reports the body on the loop.
	// The returned func cancels the request.
	Fetch(url string, done func(body []byte, err error)) (cancel func())
}

// HTTPFetcher fetches snapshots with GET requests.
type HTTPFetcher struct {
	sched   loop.Scheduler
	client  *http.Client
	logger  zerolog.Logger
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher using client for requests.
func NewHTTPFetcher(sched loop.Scheduler, client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		sched:   sched,
		client:  client,
		logger:  logger.With().Str("component", "snapshot_fetcher").Logger(),
		timeout: 5 * time.Second,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(url string, done func(body []byte, err error)) func() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	go func() {
		defer cancel()
		body, err := f.get(ctx, url)
		f.sched.Post(func() { done(body, err) })
	}()
	return cancel
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "GrimnirListen/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	return body, nil
}

// FetchOnce fetches one snapshot body synchronously. Used by the probe command.
func (f *HTTPFetcher) FetchOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.get(ctx, url)
}
