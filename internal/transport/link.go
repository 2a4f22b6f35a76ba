/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_listen/internal/loop"
)

// LinkHandler receives the events of one live connection attempt. Dialers
// invoke the handlers on the loop.
type LinkHandler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Link is one live transport connection, open or still dialing.
type Link interface {
	// Send queues a text frame without blocking.
	Send(payload []byte)
	// Close releases the connection. Handlers may still be invoked for events
	// already in flight; the channel ignores them.
	Close()
}

// Dialer opens live transport links.
type Dialer interface {
	Dial(url string, h LinkHandler) Link
}

// WSDialer dials the now-playing websocket with nhooyr.io/websocket.
type WSDialer struct {
	sched            loop.Scheduler
	client           *http.Client
	logger           zerolog.Logger
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	readLimit        int64
}

// NewWSDialer creates a websocket dialer. client must not set Timeout; the
// websocket library uses contexts for cancellation instead.
func NewWSDialer(sched loop.Scheduler, client *http.Client, logger zerolog.Logger) *WSDialer {
	return &WSDialer{
		sched:            sched,
		client:           client,
		logger:           logger.With().Str("component", "ws_dialer").Logger(),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     5 * time.Second,
		readLimit:        1 << 20,
	}
}

// Dial starts connecting in the background and returns immediately.
func (d *WSDialer) Dial(url string, h LinkHandler) Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &wsLink{
		cancel: cancel,
		out:    make(chan []byte, 16),
		logger: d.logger,
	}
	go l.run(ctx, d, url, h)
	return l
}

type wsLink struct {
	cancel context.CancelFunc
	once   sync.Once
	out    chan []byte
	logger zerolog.Logger
}

func (l *wsLink) Send(payload []byte) {
	select {
	case l.out <- payload:
	default:
		l.logger.Warn().Msg("websocket send buffer full, dropping frame")
	}
}

func (l *wsLink) Close() {
	l.once.Do(l.cancel)
}

func (l *wsLink) run(ctx context.Context, d *WSDialer, url string, h LinkHandler) {
	// A link the server dropped must not wait for its owner to close it.
	defer l.Close()

	dialCtx, dialCancel := context.WithTimeout(ctx, d.handshakeTimeout)
	conn, _, err := ws.Dial(dialCtx, url, &ws.DialOptions{HTTPClient: d.client})
	dialCancel()
	if err != nil {
		d.logger.Debug().Err(err).Str("url", url).Msg("websocket dial failed")
		d.sched.Post(func() { h.OnClose(err) })
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(d.readLimit)

	d.logger.Debug().Str("url", url).Msg("websocket connected")
	d.sched.Post(h.OnOpen)

	go l.writeLoop(ctx, d, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				_ = conn.Close(ws.StatusNormalClosure, "client closing")
			}
			d.sched.Post(func() { h.OnClose(err) })
			return
		}
		d.sched.Post(func() { h.OnMessage(data) })
	}
}

func (l *wsLink) writeLoop(ctx context.Context, d *WSDialer, conn *ws.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-l.out:
			writeCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
			err := conn.Write(writeCtx, ws.MessageText, payload)
			cancel()
			if err != nil {
				l.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}
