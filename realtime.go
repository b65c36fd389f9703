package tether

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelState is the realtime channel lifecycle state.
type ChannelState string

const (
	// ChannelDisconnected means no connection exists and none is sought.
	ChannelDisconnected ChannelState = "disconnected"
	// ChannelConnecting means the first dial is in flight.
	ChannelConnecting ChannelState = "connecting"
	// ChannelConnected means the channel is live.
	ChannelConnected ChannelState = "connected"
	// ChannelReconnecting means the connection dropped and redial attempts
	// are backing off.
	ChannelReconnecting ChannelState = "reconnecting"
	// ChannelClosed means the channel was shut down deliberately.
	ChannelClosed ChannelState = "closed"
)

// Envelope is the realtime wire message, both directions.
type Envelope struct {
	MessageID   string           `json:"message_id"`
	Type        string           `json:"type"`
	Class       InteractionClass `json:"class,omitempty"`
	TenantID    string           `json:"tenant_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	RecipientID string           `json:"recipient_id,omitempty"`
	RoomID      string           `json:"room_id,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Timestamp   int64            `json:"timestamp"`
	Error       string           `json:"error,omitempty"`
}

// Envelope types.
const (
	MsgConnected  = "connected"
	MsgPublish    = "publish"
	MsgMessage    = "message"
	MsgAck        = "message_ack"
	MsgJoinRoom   = "join_room"
	MsgLeaveRoom  = "leave_room"
	MsgRoomJoined = "room_joined"
	MsgRoomLeft   = "room_left"
	MsgPresence   = "presence"
	MsgError      = "error"
)

// dedupeWindow bounds how long delivered message ids are remembered for
// duplicate suppression across reconnects.
const dedupeWindow = 10 * time.Minute

type queuedEnvelope struct {
	env      *Envelope
	queuedAt time.Time
}

// RealtimeChannel is the client side of the low-latency delivery path. It
// maintains one websocket to the hub, reconnecting with exponential
// backoff, deduplicating inbound messages by id, and buffering Class B
// sends while disconnected. Class D envelopes are refused outright.
type RealtimeChannel struct {
	config    RealtimeConfig
	tenantID  string
	clientID  string
	authToken string
	events    *EventBus
	logger    *slog.Logger

	dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state ChannelState

	sendCh chan *Envelope

	// outbox holds Class B envelopes captured while disconnected, flushed
	// oldest-first on reconnect.
	outbox []queuedEnvelope

	// seen maps delivered message ids to delivery time for dedupe.
	seen map[string]time.Time

	onMessage func(*Envelope)
	syncHint  func()

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent         atomic.Int64
	received     atomic.Int64
	duplicates   atomic.Int64
	reconnects   atomic.Int64
	droppedSends atomic.Int64
}

// NewRealtimeChannel creates a channel for the configured hub URL. The
// channel stays idle until Start.
func NewRealtimeChannel(config RealtimeConfig, tenantID, clientID, authToken string, events *EventBus, logger *slog.Logger) *RealtimeChannel {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeChannel{
		config:    config,
		tenantID:  tenantID,
		clientID:  clientID,
		authToken: authToken,
		events:    events,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     ChannelDisconnected,
		sendCh:    make(chan *Envelope, config.BufferSize),
		seen:      make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMessageHandler installs the inbound message callback. Must be set
// before Start.
func (c *RealtimeChannel) SetMessageHandler(fn func(*Envelope)) {
	c.onMessage = fn
}

// SetSyncHint installs the reconciliation hook invoked after every
// reconnect, so state missed during the outage catches up through sync.
func (c *RealtimeChannel) SetSyncHint(fn func()) {
	c.syncHint = fn
}

// Start begins connecting. No-op when the URL is unset.
func (c *RealtimeChannel) Start() {
	if c.config.URL == "" {
		return
	}
	if c.running.Swap(true) {
		return
	}
	c.setState(ChannelConnecting)
	c.wg.Add(1)
	go c.connectLoop()
}

// Stop closes the channel permanently.
func (c *RealtimeChannel) Stop() {
	if !c.running.Swap(false) {
		return
	}
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = ChannelClosed
	c.mu.Unlock()

	c.wg.Wait()
}

// State returns the channel lifecycle state.
func (c *RealtimeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel can deliver right now.
func (c *RealtimeChannel) Connected() bool {
	return c.State() == ChannelConnected
}

func (c *RealtimeChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send routes an envelope onto the channel. Class D is refused: critical
// transactional traffic never rides the realtime path. When disconnected,
// Class B envelopes queue durably for the reconnect flush and everything
// else reports ErrChannelUnavailable so the caller can fall back.
func (c *RealtimeChannel) Send(env *Envelope) error {
	if env.Class == ClassD {
		return ErrClassDNotAllowed
	}
	if env.MessageID == "" {
		env.MessageID = NewMessageID()
	}
	if env.Timestamp == 0 {
		env.Timestamp = nowMillis()
	}
	env.TenantID = c.tenantID
	env.SenderID = c.clientID

	if !c.Connected() {
		if env.Class == ClassB {
			return c.enqueueOutbox(env)
		}
		return ErrChannelUnavailable
	}

	select {
	case c.sendCh <- env:
		return nil
	default:
		c.droppedSends.Add(1)
		if env.Class == ClassB {
			return c.enqueueOutbox(env)
		}
		return ErrChannelUnavailable
	}
}

// JoinRoom subscribes this client to a room's messages.
func (c *RealtimeChannel) JoinRoom(roomID string) error {
	return c.Send(&Envelope{Type: MsgJoinRoom, Class: ClassC, RoomID: roomID})
}

// LeaveRoom unsubscribes from a room.
func (c *RealtimeChannel) LeaveRoom(roomID string) error {
	return c.Send(&Envelope{Type: MsgLeaveRoom, Class: ClassC, RoomID: roomID})
}

// SendPresence broadcasts a presence-grade payload. Dropped silently when
// the channel is down, per Class A semantics.
func (c *RealtimeChannel) SendPresence(payload json.RawMessage) error {
	err := c.Send(&Envelope{Type: MsgPresence, Class: ClassA, Payload: payload})
	if err == ErrChannelUnavailable {
		return nil
	}
	return err
}

func (c *RealtimeChannel) enqueueOutbox(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireOutboxLocked()
	if len(c.outbox) >= c.config.QueueSizeLimit {
		return ErrQueueFull
	}
	c.outbox = append(c.outbox, queuedEnvelope{env: env, queuedAt: time.Now()})

	if c.events != nil && len(c.outbox)*10 >= c.config.QueueSizeLimit*9 {
		c.events.Emit(Event{
			Type:     EventQueuePressure,
			TenantID: c.tenantID,
			Detail:   "realtime outbox near size limit",
		})
	}
	return nil
}

func (c *RealtimeChannel) expireOutboxLocked() {
	cutoff := time.Now().Add(-c.config.QueueTTL)
	keep := c.outbox[:0]
	for _, q := range c.outbox {
		if q.queuedAt.After(cutoff) {
			keep = append(keep, q)
			continue
		}
		if c.events != nil {
			c.events.Emit(Event{
				Type:       EventMessageExpired,
				TenantID:   c.tenantID,
				MutationID: q.env.MessageID,
				Detail:     "queued realtime message exceeded TTL",
			})
		}
	}
	c.outbox = keep
}

func (c *RealtimeChannel) connectLoop() {
	defer c.wg.Done()

	backoff := c.config.ReconnectBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.setState(ChannelReconnecting)
			c.logger.Warn("realtime dial failed", "url", c.config.URL, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.MaxReconnectBackoff {
				backoff = c.config.MaxReconnectBackoff
			}
			continue
		}

		backoff = c.config.ReconnectBackoff
		c.mu.Lock()
		c.conn = conn
		c.state = ChannelConnected
		c.mu.Unlock()

		c.flushOutbox()
		if c.syncHint != nil {
			// Reconcile whatever the outage window missed.
			c.syncHint()
		}

		c.runSession(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.reconnects.Add(1)
		c.setState(ChannelReconnecting)
	}
}

func (c *RealtimeChannel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	header.Set("X-Tenant-Id", c.tenantID)
	header.Set("X-Client-Id", c.clientID)

	conn, resp, err := c.dialer.DialContext(c.ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *RealtimeChannel) flushOutbox() {
	c.mu.Lock()
	c.expireOutboxLocked()
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, q := range pending {
		select {
		case c.sendCh <- q.env:
		default:
			// Buffer full again; requeue the rest.
			c.mu.Lock()
			c.outbox = append(c.outbox, q)
			c.mu.Unlock()
		}
	}
}

// runSession drives one live connection until it fails, running the read
// pump inline and the write pump in a goroutine.
func (c *RealtimeChannel) runSession(conn *websocket.Conn) {
	done := make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writePump(conn, done)
	}()

	c.readPump(conn)
	close(done)
	conn.Close()
}

func (c *RealtimeChannel) readPump(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("realtime read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		c.handleInbound(&env)
	}
}

func (c *RealtimeChannel) handleInbound(env *Envelope) {
	c.received.Add(1)

	switch env.Type {
	case MsgConnected, MsgAck, MsgRoomJoined, MsgRoomLeft:
		return
	case MsgError:
		c.logger.Warn("realtime server error", "error", env.Error)
		return
	}

	if env.MessageID != "" && c.isDuplicate(env.MessageID) {
		c.duplicates.Add(1)
		return
	}
	if c.onMessage != nil {
		c.onMessage(env)
	}
}

func (c *RealtimeChannel) isDuplicate(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if seen, ok := c.seen[messageID]; ok && now.Sub(seen) < dedupeWindow {
		return true
	}
	c.seen[messageID] = now

	if len(c.seen) > 4096 {
		cutoff := now.Add(-dedupeWindow)
		for id, t := range c.seen {
			if t.Before(cutoff) {
				delete(c.seen, id)
			}
		}
	}
	return false
}

func (c *RealtimeChannel) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case env := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				c.logger.Warn("realtime write failed", "error", err)
				if env.Class == ClassB {
					c.enqueueOutbox(env)
				}
				return
			}
			c.sent.Add(1)
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RealtimeChannelStats contains channel statistics.
type RealtimeChannelStats struct {
	State        ChannelState `json:"state"`
	Sent         int64        `json:"sent"`
	Received     int64        `json:"received"`
	Duplicates   int64        `json:"duplicates"`
	Reconnects   int64        `json:"reconnects"`
	DroppedSends int64        `json:"dropped_sends"`
	OutboxDepth  int          `json:"outbox_depth"`
}

// Stats returns channel statistics.
func (c *RealtimeChannel) Stats() RealtimeChannelStats {
	c.mu.Lock()
	outbox := len(c.outbox)
	state := c.state
	c.mu.Unlock()

	return RealtimeChannelStats{
		State:        state,
		Sent:         c.sent.Load(),
		Received:     c.received.Load(),
		Duplicates:   c.duplicates.Load(),
		Reconnects:   c.reconnects.Load(),
		DroppedSends: c.droppedSends.Load(),
		OutboxDepth:  outbox,
	}
}
