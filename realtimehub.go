package tether

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HubIdentity is the authenticated principal behind a hub connection.
type HubIdentity struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Roles    []string `json:"roles,omitempty"`
}

// HubAuthFunc authenticates an upgrade request. A nil identity or error
// refuses the connection.
type HubAuthFunc func(r *http.Request) (*HubIdentity, error)

// RoomAuthFunc authorizes a join. Room membership is checked on join, not
// per message.
type RoomAuthFunc func(identity *HubIdentity, roomID string) bool

// rateLimitDisconnectThreshold is the number of rate-limit violations
// after which the offending connection is dropped.
const rateLimitDisconnectThreshold = 3

type queuedHubMessage struct {
	env      *Envelope
	queuedAt time.Time
}

// RealtimeHub is the server side of the realtime channel: it fans messages
// out to connected clients within a tenant, holds per-recipient durable
// queues for Class B traffic to offline recipients, and enforces
// per-connection rate limits. Every routing decision is tenant-scoped;
// cross-tenant attempts are refused and audited.
type RealtimeHub struct {
	config   RealtimeConfig
	auth     HubAuthFunc
	roomAuth RoomAuthFunc
	events   *EventBus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*hubConn
	byUser map[string]map[string]*hubConn
	rooms  map[string]map[string]*hubConn
	queues map[string][]queuedHubMessage

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	delivered    atomic.Int64
	queued       atomic.Int64
	expired      atomic.Int64
	droppedA     atomic.Int64
	rateLimited  atomic.Int64
	authRefusals atomic.Int64
}

type hubConn struct {
	id       string
	identity *HubIdentity
	conn     *websocket.Conn
	send     chan *Envelope
	limiter  *slidingWindowLimiter
	strikes  int

	// sendMu orders offers against closeSend so a late delivery can never
	// hit a closed channel.
	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once
}

// offer places env on the send channel without blocking. A false ok means
// the envelope was not delivered; closed distinguishes a torn-down
// connection from plain backpressure.
func (hc *hubConn) offer(env *Envelope) (ok, closed bool) {
	hc.sendMu.Lock()
	defer hc.sendMu.Unlock()
	if hc.sendClosed {
		return false, true
	}
	select {
	case hc.send <- env:
		return true, false
	default:
		return false, false
	}
}

func (hc *hubConn) closeSend() {
	hc.sendMu.Lock()
	defer hc.sendMu.Unlock()
	if !hc.sendClosed {
		hc.sendClosed = true
		close(hc.send)
	}
}

// NewRealtimeHub creates a hub. The auth hook is required; a nil room
// authorizer admits every authenticated tenant member to every room in its
// tenant.
func NewRealtimeHub(config RealtimeConfig, auth HubAuthFunc, roomAuth RoomAuthFunc, events *EventBus, logger *slog.Logger) *RealtimeHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &RealtimeHub{
		config:   config,
		auth:     auth,
		roomAuth: roomAuth,
		events:   events,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*hubConn),
		byUser: make(map[string]map[string]*hubConn),
		rooms:  make(map[string]map[string]*hubConn),
		queues: make(map[string][]queuedHubMessage),
		done:   make(chan struct{}),
	}
	return h
}

// Start launches the queue TTL sweeper.
func (h *RealtimeHub) Start() {
	if h.running.Swap(true) {
		return
	}
	h.wg.Add(1)
	go h.sweepLoop()
}

// Stop disconnects every client and halts the sweeper.
func (h *RealtimeHub) Stop() {
	if !h.running.Swap(false) {
		return
	}
	close(h.done)

	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, hc := range h.conns {
		conns = append(conns, hc)
	}
	h.mu.Unlock()

	for _, hc := range conns {
		h.closeConn(hc)
	}
	h.wg.Wait()
}

func userKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func roomKey(tenantID, roomID string) string {
	return tenantID + "/" + roomID
}

// ServeHTTP upgrades an authenticated request into a hub connection. The
// declared tenant header must match the authenticated identity; a mismatch
// is refused and audited.
func (h *RealtimeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth(r)
	if err != nil || identity == nil {
		h.authRefusals.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if declared := r.Header.Get("X-Tenant-Id"); declared != "" && declared != identity.TenantID {
		h.authRefusals.Add(1)
		h.emitAudit(identity.TenantID, fmt.Sprintf(
			"connection declared tenant %q but authenticated as %q", declared, identity.TenantID))
		http.Error(w, "tenant mismatch", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hc := &hubConn{
		id:       "conn-" + uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan *Envelope, h.config.BufferSize),
		limiter:  newSlidingWindowLimiter(h.config.RateLimitPerWindow, h.config.RateWindow),
	}

	h.register(hc)

	// The connected frame always opens the stream; the offline backlog
	// flushes behind it.
	hc.offer(&Envelope{
		MessageID: NewMessageID(),
		Type:      MsgConnected,
		TenantID:  identity.TenantID,
		Timestamp: nowMillis(),
	})
	h.flushBacklog(hc)

	h.wg.Add(2)
	go h.writePump(hc)
	go h.readPump(hc)
}

func (h *RealtimeHub) register(hc *hubConn) {
	key := userKey(hc.identity.TenantID, hc.identity.UserID)

	h.mu.Lock()
	h.conns[hc.id] = hc
	if h.byUser[key] == nil {
		h.byUser[key] = make(map[string]*hubConn)
	}
	h.byUser[key][hc.id] = hc
	h.mu.Unlock()
}

// flushBacklog delivers the durable queue accumulated while the recipient
// was offline, oldest first. Redelivery may duplicate; recipients dedupe by
// message id.
func (h *RealtimeHub) flushBacklog(hc *hubConn) {
	key := userKey(hc.identity.TenantID, hc.identity.UserID)

	h.mu.Lock()
	backlog := h.queues[key]
	delete(h.queues, key)
	h.mu.Unlock()

	for _, q := range backlog {
		if ok, _ := hc.offer(q.env); ok {
			h.delivered.Add(1)
		} else {
			h.requeue(key, q)
		}
	}
}

func (h *RealtimeHub) requeue(key string, q queuedHubMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queues[key]) < h.config.QueueSizeLimit {
		h.queues[key] = append(h.queues[key], q)
	}
}

func (h *RealtimeHub) unregister(hc *hubConn) {
	key := userKey(hc.identity.TenantID, hc.identity.UserID)

	h.mu.Lock()
	delete(h.conns, hc.id)
	if peers := h.byUser[key]; peers != nil {
		delete(peers, hc.id)
		if len(peers) == 0 {
			delete(h.byUser, key)
		}
	}
	for rk, members := range h.rooms {
		delete(members, hc.id)
		if len(members) == 0 {
			delete(h.rooms, rk)
		}
	}
	h.mu.Unlock()
}

func (h *RealtimeHub) closeConn(hc *hubConn) {
	hc.closeOnce.Do(func() {
		h.unregister(hc)
		hc.closeSend()
		hc.conn.Close()
	})
}

func (h *RealtimeHub) readPump(hc *hubConn) {
	defer h.wg.Done()
	defer h.closeConn(hc)

	hc.conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	hc.conn.SetPongHandler(func(string) error {
		hc.conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})
	hc.conn.SetPingHandler(func(data string) error {
		hc.conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return hc.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(h.config.WriteTimeout))
	})

	for {
		var env Envelope
		if err := hc.conn.ReadJSON(&env); err != nil {
			return
		}
		hc.conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		if !h.handleEnvelope(hc, &env) {
			return
		}
	}
}

func (h *RealtimeHub) writePump(hc *hubConn) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-hc.send:
			if !ok {
				hc.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.config.WriteTimeout))
				return
			}
			hc.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := hc.conn.WriteJSON(env); err != nil {
				h.closeConn(hc)
				return
			}
		case <-ticker.C:
			hc.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := hc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.closeConn(hc)
				return
			}
		}
	}
}

// handleEnvelope processes one inbound client envelope. Returns false when
// the connection must drop.
func (h *RealtimeHub) handleEnvelope(hc *hubConn, env *Envelope) bool {
	if !hc.limiter.Allow() {
		h.rateLimited.Add(1)
		hc.strikes++
		h.sendError(hc, env.MessageID, ErrRateLimited.Error())
		if hc.strikes >= rateLimitDisconnectThreshold {
			h.logger.Warn("disconnecting rate-limited client",
				"tenant", hc.identity.TenantID, "client", hc.identity.ClientID)
			return false
		}
		return true
	}

	if env.TenantID != "" && env.TenantID != hc.identity.TenantID {
		h.emitAudit(hc.identity.TenantID, fmt.Sprintf(
			"message for tenant %q refused on connection authenticated as %q",
			env.TenantID, hc.identity.TenantID))
		h.sendError(hc, env.MessageID, ErrTenantMismatch.Error())
		return true
	}

	if env.Class == ClassD {
		h.sendError(hc, env.MessageID, ErrClassDNotAllowed.Error())
		return true
	}

	env.TenantID = hc.identity.TenantID
	env.SenderID = hc.identity.ClientID
	if env.Timestamp == 0 {
		env.Timestamp = nowMillis()
	}

	switch env.Type {
	case MsgJoinRoom:
		h.handleJoin(hc, env)
	case MsgLeaveRoom:
		h.handleLeave(hc, env)
	case MsgPresence:
		// Presence is Class A by definition: fanned out to whoever is
		// connected right now, never queued.
		env.Class = ClassA
		h.fanOut(hc, env)
	case MsgPublish, MsgMessage:
		env.Type = MsgMessage
		h.routeMessage(hc, env)
		h.ack(hc, env.MessageID)
	default:
		h.sendError(hc, env.MessageID, fmt.Sprintf("unknown message type %q", env.Type))
	}
	return true
}

func (h *RealtimeHub) handleJoin(hc *hubConn, env *Envelope) {
	if env.RoomID == "" {
		h.sendError(hc, env.MessageID, "room_id is required")
		return
	}
	if h.roomAuth != nil && !h.roomAuth(hc.identity, env.RoomID) {
		h.emitAudit(hc.identity.TenantID, fmt.Sprintf(
			"join refused for room %q", env.RoomID))
		h.sendError(hc, env.MessageID, "room join refused")
		return
	}

	key := roomKey(hc.identity.TenantID, env.RoomID)
	h.mu.Lock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[string]*hubConn)
	}
	h.rooms[key][hc.id] = hc
	h.mu.Unlock()

	h.trySend(hc, &Envelope{
		MessageID: NewMessageID(),
		Type:      MsgRoomJoined,
		TenantID:  hc.identity.TenantID,
		RoomID:    env.RoomID,
		Timestamp: nowMillis(),
	})
}

func (h *RealtimeHub) handleLeave(hc *hubConn, env *Envelope) {
	key := roomKey(hc.identity.TenantID, env.RoomID)
	h.mu.Lock()
	if members := h.rooms[key]; members != nil {
		delete(members, hc.id)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	h.mu.Unlock()

	h.trySend(hc, &Envelope{
		MessageID: NewMessageID(),
		Type:      MsgRoomLeft,
		TenantID:  hc.identity.TenantID,
		RoomID:    env.RoomID,
		Timestamp: nowMillis(),
	})
}

// routeMessage delivers to a direct recipient or a room, always within the
// sender's tenant.
func (h *RealtimeHub) routeMessage(hc *hubConn, env *Envelope) {
	if env.RecipientID != "" {
		h.deliverToUser(hc.identity.TenantID, env.RecipientID, env)
		return
	}
	h.fanOut(hc, env)
}

// deliverToUser delivers to every live connection of a recipient. With
// none online, Class B messages enter the durable queue and everything
// else drops.
func (h *RealtimeHub) deliverToUser(tenantID, recipientID string, env *Envelope) {
	key := userKey(tenantID, recipientID)

	h.mu.RLock()
	peers := make([]*hubConn, 0, len(h.byUser[key]))
	for _, peer := range h.byUser[key] {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	if len(peers) == 0 {
		if env.Class == ClassB {
			h.queueForUser(key, env)
		} else {
			h.droppedA.Add(1)
		}
		return
	}

	for _, peer := range peers {
		h.trySend(peer, env)
	}
}

// fanOut broadcasts to a room, or to the whole tenant when no room is
// named. The sender is excluded.
func (h *RealtimeHub) fanOut(hc *hubConn, env *Envelope) {
	h.mu.RLock()
	var targets []*hubConn
	if env.RoomID != "" {
		for _, peer := range h.rooms[roomKey(hc.identity.TenantID, env.RoomID)] {
			if peer.id != hc.id {
				targets = append(targets, peer)
			}
		}
	} else {
		for _, peer := range h.conns {
			if peer.id != hc.id && peer.identity.TenantID == hc.identity.TenantID {
				targets = append(targets, peer)
			}
		}
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		h.trySend(peer, env)
	}
}

func (h *RealtimeHub) queueForUser(key string, env *Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	queue := h.queues[key]
	if len(queue) >= h.config.QueueSizeLimit {
		if h.events != nil {
			h.events.Emit(Event{
				Type:   EventQueuePressure,
				Detail: "durable queue full for " + key,
			})
		}
		return
	}
	h.queues[key] = append(queue, queuedHubMessage{env: env, queuedAt: time.Now()})
	h.queued.Add(1)

	if h.events != nil && (len(queue)+1)*10 >= h.config.QueueSizeLimit*9 {
		h.events.Emit(Event{
			Type:   EventQueuePressure,
			Detail: "durable queue near size limit for " + key,
		})
	}
}

// trySend delivers without blocking. Class A drops on backpressure; other
// classes close the laggard so its client reconnects and reconciles.
func (h *RealtimeHub) trySend(hc *hubConn, env *Envelope) {
	ok, closed := hc.offer(env)
	if ok {
		h.delivered.Add(1)
		return
	}
	if closed {
		// Disconnect raced the delivery; the reconnect path reconciles.
		return
	}
	if env.Class == ClassA {
		h.droppedA.Add(1)
		return
	}
	h.logger.Warn("slow realtime consumer dropped",
		"tenant", hc.identity.TenantID, "client", hc.identity.ClientID)
	h.closeConn(hc)
}

func (h *RealtimeHub) ack(hc *hubConn, messageID string) {
	h.trySend(hc, &Envelope{
		MessageID: messageID,
		Type:      MsgAck,
		TenantID:  hc.identity.TenantID,
		Timestamp: nowMillis(),
	})
}

func (h *RealtimeHub) sendError(hc *hubConn, messageID, msg string) {
	h.trySend(hc, &Envelope{
		MessageID: messageID,
		Type:      MsgError,
		TenantID:  hc.identity.TenantID,
		Error:     msg,
		Timestamp: nowMillis(),
	})
}

func (h *RealtimeHub) emitAudit(tenantID, detail string) {
	if h.events != nil {
		h.events.Emit(Event{Type: EventAudit, TenantID: tenantID, Detail: detail})
	}
}

func (h *RealtimeHub) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweepExpired()
		}
	}
}

// sweepExpired removes queued messages past the TTL. Expiry is reported,
// never silent.
func (h *RealtimeHub) sweepExpired() {
	cutoff := time.Now().Add(-h.config.QueueTTL)

	h.mu.Lock()
	var expired []*Envelope
	for key, queue := range h.queues {
		keep := queue[:0]
		for _, q := range queue {
			if q.queuedAt.After(cutoff) {
				keep = append(keep, q)
			} else {
				expired = append(expired, q.env)
			}
		}
		if len(keep) == 0 {
			delete(h.queues, key)
		} else {
			h.queues[key] = keep
		}
	}
	h.mu.Unlock()

	for _, env := range expired {
		h.expired.Add(1)
		if h.events != nil {
			h.events.Emit(Event{
				Type:     EventMessageExpired,
				TenantID: env.TenantID,
				Detail:   "queued message " + env.MessageID + " exceeded TTL",
			})
		}
	}
}

// Presence returns the user ids with at least one live connection in a
// tenant.
func (h *RealtimeHub) Presence(tenantID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, hc := range h.conns {
		if hc.identity.TenantID != tenantID || seen[hc.identity.UserID] {
			continue
		}
		seen[hc.identity.UserID] = true
		users = append(users, hc.identity.UserID)
	}
	return users
}

// QueueDepth returns the durable queue length for a recipient.
func (h *RealtimeHub) QueueDepth(tenantID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.queues[userKey(tenantID, userID)])
}

// RealtimeHubStats contains hub statistics.
type RealtimeHubStats struct {
	Connections  int   `json:"connections"`
	Rooms        int   `json:"rooms"`
	QueuedTotal  int   `json:"queued_total"`
	Delivered    int64 `json:"delivered"`
	Queued       int64 `json:"queued"`
	Expired      int64 `json:"expired"`
	DroppedA     int64 `json:"dropped_class_a"`
	RateLimited  int64 `json:"rate_limited"`
	AuthRefusals int64 `json:"auth_refusals"`
}

// Stats returns hub statistics.
func (h *RealtimeHub) Stats() RealtimeHubStats {
	h.mu.RLock()
	queuedTotal := 0
	for _, q := range h.queues {
		queuedTotal += len(q)
	}
	stats := RealtimeHubStats{
		Connections: len(h.conns),
		Rooms:       len(h.rooms),
		QueuedTotal: queuedTotal,
	}
	h.mu.RUnlock()

	stats.Delivered = h.delivered.Load()
	stats.Queued = h.queued.Load()
	stats.Expired = h.expired.Load()
	stats.DroppedA = h.droppedA.Load()
	stats.RateLimited = h.rateLimited.Load()
	stats.AuthRefusals = h.authRefusals.Load()

	return stats
}
