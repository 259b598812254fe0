package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Fabric manages UI WebSocket connections and channel subscriptions.
// Each host process has one Fabric instance.
type Fabric struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration

	// Scope decisions are routed to the handler registered by the scope
	// subsystem at startup.
	decisionMu      sync.RWMutex
	onScopeDecision func(userID string, d ScopeDecision)
}

// Connection represents a single UI WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. All reads and writes happen on
// the single goroutine that owns this connection (HandleConnection's read
// loop and its deferred cleanup).
type Connection struct {
	ID            string
	UserID        string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewFabric creates a new Fabric.
func NewFabric(writeTimeout time.Duration) *Fabric {
	return &Fabric{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// SetScopeDecisionHandler registers the callback that receives UI approval
// decisions. Set once during wiring, before any connection is accepted.
func (f *Fabric) SetScopeDecisionHandler(fn func(userID string, d ScopeDecision)) {
	f.decisionMu.Lock()
	defer f.decisionMu.Unlock()
	f.onScopeDecision = fn
}

// HandleConnection owns an upgraded UI WebSocket until it closes. The
// connection is auto-subscribed to its user channel; further subscriptions
// arrive as client messages. Blocks until the socket closes.
func (f *Fabric) HandleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Connection{
		ID:            uuid.New().String(),
		UserID:        userID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           connCtx,
		cancel:        cancel,
	}

	f.registerConnection(c)
	defer f.unregisterConnection(c)

	f.subscribe(c, UserChannel(userID))

	log := slog.With("connection_id", c.ID, "user_id", userID)
	log.Info("UI connection established")

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			log.Debug("UI connection closed", "error", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Ignoring malformed UI message", "error", err)
			continue
		}
		f.handleClientMessage(c, msg, log)
	}
}

func (f *Fabric) handleClientMessage(c *Connection, msg ClientMessage, log *slog.Logger) {
	switch msg.Action {
	case "subscribe":
		if !f.channelAllowed(c, msg.Channel) {
			log.Warn("Refusing subscription to foreign channel", "channel", msg.Channel)
			return
		}
		f.subscribe(c, msg.Channel)
	case "unsubscribe":
		f.unsubscribe(c, msg.Channel)
	case "ping":
		f.writeTo(c, map[string]string{"type": "pong"})
	case "scope_decision":
		if msg.Decision == nil {
			log.Warn("scope_decision without decision body")
			return
		}
		f.decisionMu.RLock()
		handler := f.onScopeDecision
		f.decisionMu.RUnlock()
		if handler != nil {
			handler(c.UserID, *msg.Decision)
		}
	default:
		log.Warn("Unknown UI action", "action", msg.Action)
	}
}

// channelAllowed restricts a connection to its own user channel and to
// conversation channels. Conversation ownership is enforced upstream: the
// UI only learns conversation ids through its own authenticated API.
func (f *Fabric) channelAllowed(c *Connection, channel string) bool {
	if channel == UserChannel(c.UserID) {
		return true
	}
	return strings.HasPrefix(channel, "conversation:")
}

// BroadcastToUser publishes a payload to every connection subscribed to
// the user's channel.
func (f *Fabric) BroadcastToUser(userID string, payload any) {
	f.Broadcast(UserChannel(userID), payload)
}

// BroadcastToConversation publishes a payload to the conversation channel.
func (f *Fabric) BroadcastToConversation(conversationID string, payload any) {
	f.Broadcast(ConversationChannel(conversationID), payload)
}

// Broadcast publishes a payload to every connection subscribed to channel.
// Delivery is best-effort; a slow or dead connection is cancelled rather
// than allowed to block the fabric.
func (f *Fabric) Broadcast(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal UI event", "channel", channel, "error", err)
		return
	}

	f.channelMu.RLock()
	ids := make([]string, 0, len(f.channels[channel]))
	for id := range f.channels[channel] {
		ids = append(ids, id)
	}
	f.channelMu.RUnlock()

	for _, id := range ids {
		f.mu.RLock()
		c, ok := f.connections[id]
		f.mu.RUnlock()
		if !ok {
			continue
		}
		f.writeRaw(c, data)
	}
}

func (f *Fabric) writeTo(c *Connection, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f.writeRaw(c, data)
}

func (f *Fabric) writeRaw(c *Connection, data []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, f.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("UI write failed, dropping connection", "connection_id", c.ID, "error", err)
		c.cancel()
	}
}

func (f *Fabric) registerConnection(c *Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[c.ID] = c
}

func (f *Fabric) unregisterConnection(c *Connection) {
	c.cancel()

	f.channelMu.Lock()
	for channel := range c.subscriptions {
		if subs, ok := f.channels[channel]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(f.channels, channel)
			}
		}
	}
	f.channelMu.Unlock()

	f.mu.Lock()
	delete(f.connections, c.ID)
	f.mu.Unlock()
}

func (f *Fabric) subscribe(c *Connection, channel string) {
	if channel == "" || c.subscriptions[channel] {
		return
	}
	c.subscriptions[channel] = true

	f.channelMu.Lock()
	defer f.channelMu.Unlock()
	if f.channels[channel] == nil {
		f.channels[channel] = make(map[string]bool)
	}
	f.channels[channel][c.ID] = true
}

func (f *Fabric) unsubscribe(c *Connection, channel string) {
	if !c.subscriptions[channel] {
		return
	}
	delete(c.subscriptions, channel)

	f.channelMu.Lock()
	defer f.channelMu.Unlock()
	if subs, ok := f.channels[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(f.channels, channel)
		}
	}
}
