// Package wsrelay implements relay.Bus over a plain WebSocket
// connection speaking a minimal Nostr-relay-shaped protocol: JSON
// arrays framed as ["EVENT", <event>] to publish and ["REQ", <sub>,
// <filter>] / ["EVENT", <sub>, <event>] / ["EOSE", <sub>] to
// subscribe, against any relay listening on that wire format — the
// same shape the original implementation spoke via nostr-sdk (see
// _examples/original_source/src/nostr.rs).
//
// Grounded on the nhooyr.io/websocket dial/read/write shape of
// _examples/VenkatGGG-Browser-use/internal/cdp/client.go, generalized
// from a single request/response RPC client to a long-lived
// publish+subscribe connection.
package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DhananjayPurohit/paygress/internal/relay"
)

// Bus is a relay.Bus backed by one WebSocket connection per configured
// relay URL. Publish fans out to every connected relay; Subscribe
// merges events from all of them into one channel.
type Bus struct {
	log   *zap.Logger
	mu    sync.Mutex
	conns []*websocket.Conn
	urls  []string
}

// Dial connects to every url in urls, tolerating individual dial
// failures (a relay being briefly unreachable should not prevent the
// service from using the others).
func Dial(ctx context.Context, urls []string, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{log: log}
	for _, u := range urls {
		conn, _, err := websocket.Dial(ctx, u, nil)
		if err != nil {
			log.Warn("wsrelay: dial failed, continuing without this relay", zap.String("url", u), zap.Error(err))
			continue
		}
		conn.SetReadLimit(1 << 20)
		b.conns = append(b.conns, conn)
		b.urls = append(b.urls, u)
	}
	if len(b.conns) == 0 {
		return nil, fmt.Errorf("wsrelay: no relay in %v could be reached", urls)
	}
	return b, nil
}

// Publish sends event as ["EVENT", event] to every connected relay.
func (b *Bus) Publish(ctx context.Context, event relay.Event) error {
	frame := []any{"EVENT", event}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wsrelay: marshal publish frame: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	published := 0
	for i, conn := range b.conns {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			b.log.Warn("wsrelay: publish failed on relay", zap.String("url", b.urls[i]), zap.Error(err))
			lastErr = err
			continue
		}
		published++
	}
	if published == 0 {
		return fmt.Errorf("wsrelay: publish failed on every relay: %w", lastErr)
	}
	return nil
}

// Subscribe sends a REQ filter for events tagged to addr on every
// connected relay and merges their EVENT frames into one channel.
// Malformed frames are logged and dropped, never surfaced as an
// error (spec §4.9.4): a transport-level failure never reaches the
// pipeline.
func (b *Bus) Subscribe(ctx context.Context, addr string) (<-chan relay.Event, error) {
	out := make(chan relay.Event, 64)
	subID := fmt.Sprintf("paygress-%s", addr[:minInt(8, len(addr))])
	filter := map[string]any{"#p": []string{addr}}
	frame := []any{"REQ", subID, filter}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: marshal subscribe frame: %w", err)
	}

	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	urls := append([]string(nil), b.urls...)
	b.mu.Unlock()

	for i, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		writeErr := conn.Write(writeCtx, websocket.MessageText, raw)
		cancel()
		if writeErr != nil {
			b.log.Warn("wsrelay: subscribe failed on relay", zap.String("url", urls[i]), zap.Error(writeErr))
			continue
		}
		go b.readLoop(ctx, conn, urls[i], out)
	}

	return out, nil
}

func (b *Bus) readLoop(ctx context.Context, conn *websocket.Conn, url string, out chan<- relay.Event) {
	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("wsrelay: relay connection closed", zap.String("url", url), zap.Error(err))
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 2 {
			b.log.Warn("wsrelay: dropping malformed frame", zap.String("url", url), zap.Error(err))
			continue
		}

		var frameType string
		if err := json.Unmarshal(frame[0], &frameType); err != nil {
			continue
		}
		if frameType != "EVENT" {
			continue // EOSE, NOTICE, etc. carry no request payload
		}

		eventRaw := frame[len(frame)-1]
		var ev relay.Event
		if err := json.Unmarshal(eventRaw, &ev); err != nil {
			b.log.Warn("wsrelay: dropping undecodable event", zap.String("url", url), zap.Error(err))
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every connection to every configured relay.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, conn := range b.conns {
		if err := conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
