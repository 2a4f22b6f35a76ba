/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_listen/internal/loop"
)

func TestWSDialerRoundTrip(t *testing.T) {
	replies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		replies <- string(data)
		_ = conn.Close(ws.StatusNormalClosure, "bye")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := loop.New(zerolog.Nop())
	go l.Run(ctx)

	d := NewWSDialer(l, &http.Client{}, zerolog.Nop())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	opened := make(chan struct{}, 1)
	closed := make(chan error, 1)
	var link Link
	_ = l.Call(ctx, func() {
		link = d.Dial(url, LinkHandler{
			OnOpen: func() { opened <- struct{}{} },
			OnMessage: func(data []byte) {
				if string(data) == `{"type":"ping"}` {
					link.Send([]byte("pong"))
				}
			},
			OnClose: func(err error) { closed <- err },
		})
	})

	wait := func(what string, ch <-chan struct{}) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	wait("open", opened)

	select {
	case got := <-replies:
		if got != "pong" {
			t.Fatalf("server received %q, want pong", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received pong")
	}

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("OnClose called with nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never called")
	}
}

func TestWSDialerDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := loop.New(zerolog.Nop())
	go l.Run(ctx)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	d := NewWSDialer(l, &http.Client{}, zerolog.Nop())
	closed := make(chan error, 1)
	d.Dial(url, LinkHandler{
		OnOpen:    func() { t.Error("unexpected open") },
		OnMessage: func([]byte) {},
		OnClose:   func(err error) { closed <- err },
	})

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("dial failure reported nil error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("dial failure never reported")
	}
}

func writeLoopGoroutines() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Count(string(buf[:n]), "(*wsLink).writeLoop")
}

func TestWSDialerServerCloseStopsWriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close(ws.StatusGoingAway, "restarting")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := loop.New(zerolog.Nop())
	go l.Run(ctx)

	before := writeLoopGoroutines()
	d := NewWSDialer(l, &http.Client{}, zerolog.Nop())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	const drops = 3
	closed := make(chan error, drops)
	for i := 0; i < drops; i++ {
		// The owner never calls Close, as after a server-side drop.
		d.Dial(url, LinkHandler{
			OnOpen:    func() {},
			OnMessage: func([]byte) {},
			OnClose:   func(err error) { closed <- err },
		})
	}
	for i := 0; i < drops; i++ {
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatalf("OnClose %d never called", i)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for writeLoopGoroutines() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%d writer goroutines still running after server close", writeLoopGoroutines()-before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
