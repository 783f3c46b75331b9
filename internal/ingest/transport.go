// Package ingest connects the bot to its chat gateway and filters the
// firehose down to messages from registered, active channels.
//
// The transport maintains one WebSocket to the gateway with auto-reconnect
// and exponential backoff (1s → 30s max). A read deadline detects silent
// server failures within ~2 missed pings. Messages are normalized into
// envelopes and handed to the ingestor, which enqueues them durably before
// any processing happens.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signalbridge/internal/config"
	"signalbridge/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	messageBuffer    = 256
)

// Transport is the WebSocket connection to the chat gateway.
type Transport struct {
	url   string
	token string

	conn   *websocket.Conn
	connMu sync.Mutex

	messages chan types.Envelope
	logger   *slog.Logger
}

// NewTransport creates the gateway transport from config.
func NewTransport(cfg config.ChatConfig, logger *slog.Logger) *Transport {
	return &Transport{
		url:      cfg.GatewayURL,
		token:    cfg.BotToken,
		messages: make(chan types.Envelope, messageBuffer),
		logger:   logger.With("component", "chat_transport"),
	}
}

// Messages returns the stream of normalized inbound messages.
func (t *Transport) Messages() <-chan types.Envelope { return t.messages }

// Run connects and maintains the gateway connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("gateway disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the current connection if any.
func (t *Transport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// gatewayFrame is one inbound frame from the gateway.
type gatewayFrame struct {
	Event string          `json:"event"` // "message", "pong", "error"
	Data  json.RawMessage `json:"data"`
}

// gatewayMessage is the payload of a "message" frame.
type gatewayMessage struct {
	ChannelID     string   `json:"channel_id"`
	MessageID     string   `json:"message_id"`
	Timestamp     int64    `json:"timestamp"` // unix ms
	Text          string   `json:"text"`
	ChannelName   string   `json:"channel_name"`
	ForwardedFrom string   `json:"forwarded_from"`
	Attachments   []string `json:"attachments"`
}

func (t *Transport) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	defer func() {
		t.connMu.Lock()
		conn.Close()
		t.conn = nil
		t.connMu.Unlock()
	}()

	if err := t.writeJSON(map[string]string{"op": "auth", "token": t.token}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	t.logger.Info("gateway connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go t.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Debug("ignoring non-json gateway frame", "data", string(data))
		return
	}
	if frame.Event != "message" {
		return
	}

	var msg gatewayMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		t.logger.Warn("undecodable message frame", "error", err)
		return
	}
	if msg.ChannelID == "" || msg.MessageID == "" || msg.Text == "" {
		return
	}

	env := types.Envelope{
		ExternalChannelID: msg.ChannelID,
		MessageID:         msg.MessageID,
		Timestamp:         time.UnixMilli(msg.Timestamp),
		Text:              msg.Text,
		ChannelName:       msg.ChannelName,
		ForwardedFrom:     msg.ForwardedFrom,
		Attachments:       msg.Attachments,
	}
	select {
	case t.messages <- env:
	default:
		t.logger.Warn("transport buffer full, dropping message",
			"channel", msg.ChannelID, "message_id", msg.MessageID)
	}
}

func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.writeControl(websocket.PingMessage); err != nil {
				t.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (t *Transport) writeJSON(v any) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *Transport) writeControl(messageType int) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	return t.conn.WriteControl(messageType, nil, time.Now().Add(writeTimeout))
}
