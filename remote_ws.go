package waymark

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannelConfig configures the websocket remote channel.
type WSChannelConfig struct {
	// URL is the websocket endpoint, e.g. "wss://sync.example.com/v1/stream"
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token during the handshake.
	AuthToken string `yaml:"auth_token,omitempty"`

	// DeviceID identifies this device to the server.
	DeviceID string `yaml:"device_id,omitempty"`

	// Compress enables snappy compression of wire frames.
	// Default: true
	Compress bool `yaml:"compress"`

	// HandshakeTimeout bounds the websocket dial.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AckTimeout bounds how long a push waits for the server acknowledgment.
	// Default: 15s
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// EventBuffer is the subscription channel capacity.
	// Default: 256
	EventBuffer int `yaml:"event_buffer"`

	// Logger for channel events. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultWSChannelConfig returns a websocket channel configuration with
// sensible defaults.
func DefaultWSChannelConfig(url string) WSChannelConfig {
	return WSChannelConfig{
		URL:              url,
		Compress:         true,
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       15 * time.Second,
		EventBuffer:      256,
	}
}

// wsMessage is the envelope for every frame exchanged with the sync server.
type wsMessage struct {
	Type     string       `json:"type"`
	Seq      uint64       `json:"seq,omitempty"`
	OwnerID  string       `json:"owner_id,omitempty"`
	Kind     RecordKind   `json:"kind,omitempty"`
	RecordID string       `json:"record_id,omitempty"`
	Record   *Record      `json:"record,omitempty"`
	Event    *ChangeEvent `json:"event,omitempty"`
	Since    int64        `json:"since,omitempty"`
	DeviceID string       `json:"device_id,omitempty"`
	Error    string       `json:"error,omitempty"`
}

const (
	wsTypePush        = "push"
	wsTypeTombstone   = "tombstone"
	wsTypeSubscribe   = "subscribe"
	wsTypeUnsubscribe = "unsubscribe"
	wsTypeAck         = "ack"
	wsTypeError       = "error"
	wsTypeEvent       = "event"
)

// WSChannel is a RemoteChannel backed by a single websocket connection.
// Pushes are acknowledged by sequence number; change events are demuxed to
// per-owner subscriptions by the read loop.
type WSChannel struct {
	config WSChannelConfig
	conn   *websocket.Conn
	codec  *wireCodec
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan wsMessage
	subs    map[string]*RemoteSubscription
	closed  bool

	done chan struct{}
}

// NewWSChannel dials the sync server and starts the read loop.
func NewWSChannel(ctx context.Context, config WSChannelConfig) (*WSChannel, error) {
	if config.URL == "" {
		return nil, newSyncError(SyncErrorInvalidArgument, "websocket URL is required", RecordKey{}, ErrInvalidArgument)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = 15 * time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
	}
	header := http.Header{}
	if config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+config.AuthToken)
	}
	if config.DeviceID != "" {
		header.Set("X-Device-ID", config.DeviceID)
	}

	conn, resp, err := dialer.DialContext(ctx, config.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, newSyncError(SyncErrorPermission,
				fmt.Sprintf("sync server rejected handshake: %s", resp.Status), RecordKey{}, ErrPermissionDenied)
		}
		return nil, newSyncError(SyncErrorTransport, "failed to dial sync server", RecordKey{}, err)
	}

	c := &WSChannel{
		config:  config,
		conn:    conn,
		codec:   newWireCodec(config.Compress, nil),
		logger:  logger,
		pending: make(map[uint64]chan wsMessage),
		subs:    make(map[string]*RemoteSubscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	defer c.teardown()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("sync connection lost", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := c.codec.Decode(frame, &msg); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch msg.Type {
		case wsTypeAck, wsTypeError:
			c.mu.Lock()
			ch, ok := c.pending[msg.Seq]
			if ok {
				delete(c.pending, msg.Seq)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}

		case wsTypeEvent:
			if msg.Event == nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[msg.Event.OwnerID]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(*msg.Event)
			}

		default:
			c.logger.Warn("unknown message type from server", "type", msg.Type)
		}
	}
}

// teardown fails every in-flight request and ends all subscriptions after
// the connection is gone.
func (c *WSChannel) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan wsMessage)
	subs := c.subs
	c.subs = make(map[string]*RemoteSubscription)
	c.mu.Unlock()

	for seq, ch := range pending {
		ch <- wsMessage{Type: wsTypeError, Seq: seq, Error: "connection closed"}
	}
	for _, sub := range subs {
		sub.finish()
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *WSChannel) send(msg wsMessage) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return newSyncError(SyncErrorTransport, "failed to write to sync server", RecordKey{}, err)
	}
	return nil
}

// request sends a message and waits for the matching ack.
func (c *WSChannel) request(ctx context.Context, msg wsMessage, key RecordKey) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newSyncError(SyncErrorTransport, "sync connection closed", key, ErrTransportUnavailable)
	}
	c.seq++
	msg.Seq = c.seq
	ch := make(chan wsMessage, 1)
	c.pending[msg.Seq] = ch
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(c.config.AckTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Type == wsTypeError || reply.Error != "" {
			return c.serverError(reply.Error, key)
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return newSyncError(SyncErrorTimeout, "timed out waiting for server ack", key, ErrTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// serverError maps a server-reported error string onto the local error
// taxonomy so retry classification works across the wire.
func (c *WSChannel) serverError(errStr string, key RecordKey) error {
	msg := "server rejected request: " + errStr
	switch {
	case containsIgnoreCase(errStr, "permission") ||
		containsIgnoreCase(errStr, "unauthorized") ||
		containsIgnoreCase(errStr, "forbidden"):
		return newSyncError(SyncErrorPermission, msg, key, ErrPermissionDenied)
	case containsIgnoreCase(errStr, "invalid"):
		return newSyncError(SyncErrorInvalidArgument, msg, key, ErrInvalidArgument)
	case containsIgnoreCase(errStr, "unavailable") || containsIgnoreCase(errStr, "connection closed"):
		return newSyncError(SyncErrorTransport, msg, key, ErrTransportUnavailable)
	default:
		return newSyncError(SyncErrorTransport, msg, key, nil)
	}
}

// Push implements RemoteChannel.
func (c *WSChannel) Push(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	pushed := rec.Clone()
	pushed.PendingUpload = false
	return c.request(ctx, wsMessage{
		Type:     wsTypePush,
		Record:   &pushed,
		DeviceID: c.config.DeviceID,
	}, rec.Key())
}

// PushTombstone implements RemoteChannel.
func (c *WSChannel) PushTombstone(ctx context.Context, owner string, kind RecordKind, id string) error {
	key := RecordKey{OwnerID: owner, Kind: kind, RecordID: id}
	return c.request(ctx, wsMessage{
		Type:     wsTypeTombstone,
		OwnerID:  owner,
		Kind:     kind,
		RecordID: id,
		DeviceID: c.config.DeviceID,
	}, key)
}

// Subscribe implements RemoteChannel. One subscription per owner is kept;
// subscribing again for the same owner replaces the previous stream.
func (c *WSChannel) Subscribe(ctx context.Context, owner string, since int64) (*RemoteSubscription, error) {
	sub := newRemoteSubscription(c.config.EventBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newSyncError(SyncErrorTransport, "sync connection closed",
			RecordKey{OwnerID: owner}, ErrTransportUnavailable)
	}
	if prev, ok := c.subs[owner]; ok {
		prev.finish()
	}
	c.subs[owner] = sub
	c.mu.Unlock()

	err := c.request(ctx, wsMessage{
		Type:    wsTypeSubscribe,
		OwnerID: owner,
		Since:   since,
	}, RecordKey{OwnerID: owner})
	if err != nil {
		c.mu.Lock()
		if c.subs[owner] == sub {
			delete(c.subs, owner)
		}
		c.mu.Unlock()
		sub.finish()
		return nil, err
	}
	return sub, nil
}

// Close implements RemoteChannel.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}
