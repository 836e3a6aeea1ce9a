// ws.go implements the live bar WebSocket feed.
//
// The feed subscribes by (symbol, timeframe) pair and receives "bar"
// events carrying closed OHLCV intervals. It auto-reconnects with
// exponential backoff (1s to 30s max) and re-subscribes to all tracked
// pairs on reconnection. A read deadline (90s) ensures silent server
// failures are detected within ~2 missed pings.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeorch/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	barBufferSize    = 256
)

// subscription identifies one bar stream.
type subscription struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
}

// wsSubscribeMsg is the subscription frame.
type wsSubscribeMsg struct {
	Operation string         `json:"op"` // subscribe | unsubscribe
	Streams   []subscription `json:"streams"`
}

// BarEvent is one closed bar delivered by the feed.
type BarEvent struct {
	EventType string    `json:"event_type"`
	Bar       types.Bar `json:"bar"`
}

// BarFeed manages the WebSocket connection to the market data service.
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type BarFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[subscription]bool

	barCh chan BarEvent

	logger *slog.Logger
}

// NewBarFeed creates a bar feed for the given WebSocket URL.
func NewBarFeed(wsURL string, logger *slog.Logger) *BarFeed {
	return &BarFeed{
		url:        wsURL,
		subscribed: make(map[subscription]bool),
		barCh:      make(chan BarEvent, barBufferSize),
		logger:     logger.With("component", "ws_bars"),
	}
}

// Bars returns a read-only channel of closed-bar events.
func (f *BarFeed) Bars() <-chan BarEvent { return f.barCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *BarFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds (symbol, timeframe) streams.
func (f *BarFeed) Subscribe(symbol string, tf types.Timeframe) error {
	sub := subscription{Symbol: symbol, Timeframe: tf}
	f.subscribedMu.Lock()
	f.subscribed[sub] = true
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{
		Operation: "subscribe",
		Streams:   []subscription{sub},
	})
}

// Unsubscribe removes a stream.
func (f *BarFeed) Unsubscribe(symbol string, tf types.Timeframe) error {
	sub := subscription{Symbol: symbol, Timeframe: tf}
	f.subscribedMu.Lock()
	delete(f.subscribed, sub)
	f.subscribedMu.Unlock()

	return f.writeJSON(wsSubscribeMsg{
		Operation: "unsubscribe",
		Streams:   []subscription{sub},
	})
}

// Close gracefully closes the connection.
func (f *BarFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *BarFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-subscribe to everything we were tracking
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *BarFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	streams := make([]subscription, 0, len(f.subscribed))
	for sub := range f.subscribed {
		streams = append(streams, sub)
	}
	f.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{Operation: "subscribe", Streams: streams})
}

func (f *BarFeed) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "bar":
		var evt BarEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal bar event", "error", err)
			return
		}
		if err := evt.Bar.Validate(); err != nil {
			f.logger.Warn("dropping invalid bar from feed", "error", err)
			return
		}
		select {
		case f.barCh <- evt:
		default:
			f.logger.Warn("bar channel full, dropping event",
				"symbol", evt.Bar.Symbol, "timeframe", evt.Bar.Timeframe)
		}

	case "heartbeat", "subscribed", "unsubscribed":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *BarFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *BarFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *BarFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
