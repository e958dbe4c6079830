// Package websocket is the dashboard sync gateway: a channel-keyed pub/sub
// registry over websocket connections with pull-based state resync.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/logger"
)

// Conn is one client connection as the hub sees it. Send must not block.
type Conn interface {
	ID() string
	Send(msg *Message) error
	Close()
}

// SnapshotFunc returns the current execution state for sync responses.
type SnapshotFunc func() any

// HeartbeatFunc returns extra fields for execution:heartbeat.
type HeartbeatFunc func() map[string]any

type connection struct {
	conn          Conn
	subscriptions map[string]bool
	lastPing      time.Time
	lastHeartbeat time.Time
}

type HubOption func(*Hub)

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func WithSnapshot(fn SnapshotFunc) HubOption {
	return func(h *Hub) { h.snapshot = fn }
}

func WithHeartbeatFields(fn HeartbeatFunc) HubOption {
	return func(h *Hub) { h.heartbeatFields = fn }
}

// Hub manages all connections and their channel subscriptions.
type Hub struct {
	clients  map[string]*connection
	channels map[string]map[string]*connection

	snapshot        SnapshotFunc
	heartbeatFields HeartbeatFunc
	now             func() time.Time

	mu     sync.RWMutex
	logger *logger.Logger

	hbMu   sync.Mutex
	hbStop chan struct{}
	hbWG   sync.WaitGroup
}

func NewHub(log *logger.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	h := &Hub{
		clients:         make(map[string]*connection),
		channels:        make(map[string]map[string]*connection),
		snapshot:        func() any { return nil },
		heartbeatFields: func() map[string]any { return nil },
		now:             time.Now,
		logger:          log.WithComponent("ws_hub"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run prunes dead connections every interval and closes all clients when
// ctx ends.
func (h *Hub) Run(ctx context.Context, interval, threshold time.Duration) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.StopExecutionHeartbeat()
			h.closeAllClients()
			return
		case <-ticker.C:
			h.PruneStale(threshold)
		}
	}
}

// Register adds a connection. It starts out fresh and unsubscribed.
func (h *Hub) Register(c Conn) {
	now := h.now()
	h.mu.Lock()
	h.clients[c.ID()] = &connection{
		conn:          c,
		subscriptions: make(map[string]bool),
		lastPing:      now,
		lastHeartbeat: now,
	}
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("client_id", c.ID()))
}

// Unregister removes a connection and all its subscriptions.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c := h.removeLocked(id)
	h.mu.Unlock()
	if c != nil {
		c.conn.Close()
		h.logger.Debug("Client unregistered", zap.String("client_id", id))
	}
}

func (h *Hub) removeLocked(id string) *connection {
	c, ok := h.clients[id]
	if !ok {
		return nil
	}
	delete(h.clients, id)
	for ch := range c.subscriptions {
		if subs, ok := h.channels[ch]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	return c
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*connection)
	h.channels = make(map[string]map[string]*connection)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Touch refreshes a connection's heartbeat, e.g. on a transport-level pong.
func (h *Hub) Touch(id string) {
	now := h.now()
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		c.lastHeartbeat = now
	}
	h.mu.Unlock()
}

// HandleMessage processes one inbound frame from connection id.
func (h *Hub) HandleMessage(id string, raw []byte) {
	now := h.now()
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		c.lastHeartbeat = now
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug("Failed to parse message", zap.String("client_id", id), zap.Error(err))
		h.sendTo(c, TypeError, map[string]any{"message": "invalid message format", "timestamp": now})
		return
	}

	switch msg.Type {
	case TypePing:
		h.mu.Lock()
		c.lastPing = now
		h.mu.Unlock()
		h.sendTo(c, TypePong, map[string]any{"timestamp": now})

	case TypeSubscribe, TypeUnsubscribe:
		var req ChannelsRequest
		if err := msg.ParsePayload(&req); err != nil {
			h.sendTo(c, TypeError, map[string]any{"message": "invalid payload: " + err.Error(), "timestamp": now})
			return
		}
		if msg.Type == TypeSubscribe {
			h.Subscribe(id, req.Channels...)
		} else {
			h.Unsubscribe(id, req.Channels...)
		}

	case TypeSyncRequest:
		h.sendTo(c, TypeSyncResponse, map[string]any{"data": h.snapshot(), "timestamp": now})

	default:
		h.logger.Debug("Unknown message type", zap.String("client_id", id), zap.String("type", msg.Type))
		h.sendTo(c, TypeError, map[string]any{"message": "unknown message type " + msg.Type, "timestamp": now})
	}
}

// Subscribe adds channels to a connection's subscription set.
func (h *Hub) Subscribe(id string, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if _, ok := h.channels[ch]; !ok {
			h.channels[ch] = make(map[string]*connection)
		}
		h.channels[ch][id] = c
		c.subscriptions[ch] = true
	}
	h.logger.Debug("Client subscribed", zap.String("client_id", id), zap.Strings("channels", channels))
}

func (h *Hub) Unsubscribe(id string, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	for _, ch := range channels {
		delete(c.subscriptions, ch)
		if subs, ok := h.channels[ch]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.channels, ch)
			}
		}
	}
}

// Subscriptions returns the channels a connection is subscribed to.
func (h *Hub) Subscriptions(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// BroadcastToChannel sends a message to every subscriber of channel.
func (h *Hub) BroadcastToChannel(channel string, msg *Message) {
	h.mu.RLock()
	subs := make([]*connection, 0, len(h.channels[channel]))
	for _, c := range h.channels[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		h.send(c, msg)
	}
}

// BroadcastAll sends a message to every connection regardless of channel.
func (h *Hub) BroadcastAll(msg *Message) {
	h.mu.RLock()
	all := make([]*connection, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.send(c, msg)
	}
}

// PublishExecution sends phase:execution:<event> to phase:execution
// subscribers.
func (h *Hub) PublishExecution(event, executionID, phaseID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	msg, err := NewMessage(events.Type(event), map[string]any{
		"executionId": executionID,
		"phaseId":     phaseID,
		"data":        data,
		"timestamp":   h.now(),
	})
	if err != nil {
		h.logger.Error("Failed to build execution event", zap.String("event", event), zap.Error(err))
		return
	}
	h.BroadcastToChannel(events.ChannelExecution, msg)
}

// CheckHeartbeatTimeout returns the ids of connections whose last heartbeat
// is more than threshold in the past.
func (h *Hub) CheckHeartbeatTimeout(threshold time.Duration) []string {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()

	var stale []string
	for id, c := range h.clients {
		if now.Sub(c.lastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	return stale
}

// PruneStale closes and removes connections that missed the threshold.
func (h *Hub) PruneStale(threshold time.Duration) []string {
	stale := h.CheckHeartbeatTimeout(threshold)
	for _, id := range stale {
		h.logger.Info("Pruning stale connection", zap.String("client_id", id))
		h.Unregister(id)
	}
	return stale
}

// StartExecutionHeartbeat broadcasts execution:heartbeat to every connection
// each interval until StopExecutionHeartbeat. A second call is a no-op.
func (h *Hub) StartExecutionHeartbeat(interval time.Duration) {
	h.hbMu.Lock()
	defer h.hbMu.Unlock()
	if h.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	h.hbStop = stop
	h.hbWG.Add(1)
	go func() {
		defer h.hbWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.broadcastHeartbeat()
			}
		}
	}()
}

func (h *Hub) StopExecutionHeartbeat() {
	h.hbMu.Lock()
	stop := h.hbStop
	h.hbStop = nil
	h.hbMu.Unlock()
	if stop != nil {
		close(stop)
		h.hbWG.Wait()
	}
}

func (h *Hub) broadcastHeartbeat() {
	payload := map[string]any{}
	for k, v := range h.heartbeatFields() {
		payload[k] = v
	}
	payload["timestamp"] = h.now()
	msg, err := NewMessage(TypeHeartbeat, payload)
	if err != nil {
		return
	}
	h.BroadcastAll(msg)
}

func (h *Hub) sendTo(c *connection, msgType string, payload any) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	h.send(c, msg)
}

func (h *Hub) send(c *connection, msg *Message) {
	if err := c.conn.Send(msg); err != nil {
		h.logger.Warn("Failed to send message",
			zap.String("client_id", c.conn.ID()),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}
