package vpr

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// WSEvents subscribes to the indexer's websocket feed of block-processed
// notifications. The subscription reconnects forever with doubling backoff
// (1s up to 30s), resetting after a healthy connection; missed events are
// harmless because the polling loop always re-reads the authoritative
// height over HTTP.
type WSEvents struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger
}

var _ EventSource = (*WSEvents)(nil)

// NewWSEvents builds an event source for the given ws:// or wss:// URL.
func NewWSEvents(wsURL string, logger *slog.Logger) *WSEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSEvents{
		url:    wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.With("component", "indexer_events"),
	}
}

// Subscribe starts the reconnect loop and returns the event channel. The
// channel is closed once ctx is canceled.
func (w *WSEvents) Subscribe(ctx context.Context) (<-chan BlockEvent, error) {
	ch := make(chan BlockEvent, 16)
	go w.run(ctx, ch)
	return ch, nil
}

func (w *WSEvents) run(ctx context.Context, ch chan<- BlockEvent) {
	defer close(ch)
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			w.log.Warn("event stream dial failed", "url", w.url, "backoff", backoff, "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		w.log.Info("event stream connected", "url", w.url)
		backoff = time.Second
		w.readLoop(ctx, conn, ch)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("event stream disconnected, reconnecting", "url", w.url)
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

// readLoop pumps events until the connection breaks or ctx ends. A
// goroutine watches ctx so a blocked read is unstuck by closing the conn.
func (w *WSEvents) readLoop(ctx context.Context, conn *websocket.Conn, ch chan<- BlockEvent) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var ev BlockEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				w.log.Debug("event stream read failed", "error", err)
			}
			return
		}
		if ev.Type != EventBlockProcessed {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		default:
			// Slow consumer: drop rather than stall the socket. The
			// poller reconciles from the HTTP height anyway.
			w.log.Debug("event dropped, consumer behind", "height", ev.Height)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
