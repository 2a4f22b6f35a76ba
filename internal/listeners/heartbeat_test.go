/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package listeners

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/loop"
)

type recorded struct {
	path    string
	payload Payload
}

type presenceServer struct {
	mu   sync.Mutex
	reqs []recorded
	hit  chan struct{}
}

func newPresenceServer(t *testing.T, status int) (*presenceServer, *httptest.Server) {
	t.Helper()
	ps := &presenceServer{hit: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode body: %v", err)
		}
		ps.mu.Lock()
		ps.reqs = append(ps.reqs, recorded{r.URL.Path, p})
		ps.mu.Unlock()
		w.WriteHeader(status)
		ps.hit <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return ps, srv
}

func (ps *presenceServer) wait(t *testing.T, n int) []recorded {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ps.hit:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for request %d", i+1)
		}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]recorded(nil), ps.reqs...)
}

func TestHeartbeatSchedule(t *testing.T) {
	ps, srv := newPresenceServer(t, http.StatusNoContent)
	sched := loop.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	h := New(srv.URL+"/api", "st-1", "sess-1", srv.Client(), sched, zerolog.Nop())
	h.Start()
	h.Start()

	reqs := ps.wait(t, 1)
	want := recorded{"/api/listeners/heartbeat", Payload{StationID: "st-1", SessionKey: "sess-1"}}
	if reqs[0] != want {
		t.Fatalf("first request = %+v, want %+v", reqs[0], want)
	}

	sched.Advance(29 * time.Second)
	select {
	case <-ps.hit:
		t.Fatal("heartbeat sent before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	sched.Advance(time.Second)
	ps.wait(t, 1)

	done := h.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never finished")
	}
	reqs = ps.wait(t, 1)
	if last := reqs[len(reqs)-1]; last.path != "/api/listeners/disconnect" {
		t.Fatalf("last request = %+v, want disconnect", last)
	}

	if sched.Pending() != 0 {
		t.Fatalf("Pending() = %d after Stop", sched.Pending())
	}
	sched.Advance(time.Hour)
	select {
	case <-ps.hit:
		t.Fatal("heartbeat after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatErrorsIgnored(t *testing.T) {
	ps, srv := newPresenceServer(t, http.StatusInternalServerError)
	sched := loop.NewManual(time.Now())

	h := New(srv.URL, "st-1", "k", srv.Client(), sched, zerolog.Nop())
	h.SetInterval(time.Second)
	h.Start()
	ps.wait(t, 1)
	sched.Advance(time.Second)
	ps.wait(t, 1)
	<-h.Stop()
}

func TestHeartbeatStopWithoutStart(t *testing.T) {
	h := New("http://127.0.0.1:1", "st", "k", http.DefaultClient, loop.NewManual(time.Now()), zerolog.Nop())
	select {
	case <-h.Stop():
	case <-time.After(time.Second):
		t.Fatal("Stop without Start blocked")
	}
}
