package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
)

// Connection timing and framing limits, grounded verbatim on the
// teacher's internal/gateway/websocket.Client constants.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Client is one accepted WebSocket connection: a stable clientId
// (persisted across reconnects by the caller), a per-connection
// runtimeGeneration, and the set of subscriptions it currently holds.
// Grounded on the teacher's internal/gateway/websocket.Client, adapted
// from task-scoped broadcast to per-subscription bounded queues.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	log  *logger.Logger

	ClientID          string
	RuntimeGeneration uint64

	send chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]*subscription
}

func newClient(conn *websocket.Conn, hub *Hub, log *logger.Logger, clientID string, generation uint64) *Client {
	return &Client{
		conn:              conn,
		hub:               hub,
		log:               log.WithFields(zap.String("component", "gateway_client"), zap.String("client_id", clientID)),
		ClientID:          clientID,
		RuntimeGeneration: generation,
		send:              make(chan []byte, sendBufferSize),
		subscriptions:     make(map[string]*subscription),
	}
}

// ReadPump reads frames until a read on the connection fails,
// dispatching each request to the Hub's Dispatcher (with ctx) on its
// own goroutine so a slow handler cannot stall the read loop. Grounded
// on the teacher's Client.ReadPump.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.hub.unregister(c)
	defer c.closeConn()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		go c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *Message) {
	switch msg.Action {
	case actionSubscribe:
		c.handleSubscribe(msg)
		return
	case actionUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	}

	result, err := c.hub.dispatcher.Dispatch(ctx, c, msg)
	if err != nil {
		code := errorCode(resourceHintFor(msg.Action), err)
		c.sendMessage(newErrorMessage(msg.RequestID, msg.Action, code, err.Error()))
		return
	}
	resp, err := newResponse(msg.RequestID, msg.Action, result)
	if err != nil {
		c.sendMessage(newErrorMessage(msg.RequestID, msg.Action, codeInternal, err.Error()))
		return
	}
	c.sendMessage(resp)
}

func resourceHintFor(action string) string {
	switch action {
	case actionListTerminals, actionCreateTerminal, actionKillTerminal,
		actionAttachTerminalStream, actionDetachTerminalStream,
		actionSendTerminalStreamInput, actionSendTerminalStreamKey, actionSendTerminalInput:
		return "terminal"
	default:
		return "agent"
	}
}

type subscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Channel        string `json:"channel"`
	TargetID       string `json:"targetId"`
}

type unsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// handleSubscribe binds a client-chosen subscriptionId to an event
// channel (§4.2 "client-chosen subscription ids (resumable across
// reconnects)"). Re-subscribing with an id already in use replaces the
// old binding, so a client that reconnects and re-issues the same ids
// resumes cleanly instead of erroring.
func (c *Client) handleSubscribe(msg *Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.SubscriptionID == "" {
		c.sendMessage(newErrorMessage(msg.RequestID, msg.Action, codeInvalidArgument, "subscriptionId and channel are required"))
		return
	}

	c.mu.Lock()
	if old, ok := c.subscriptions[req.SubscriptionID]; ok {
		old.close()
	}
	c.mu.Unlock()

	sub, err := c.hub.bind(c, req.SubscriptionID, req.Channel, req.TargetID)
	if err != nil {
		code := errorCode(resourceHintForChannel(req.Channel), err)
		c.sendMessage(newErrorMessage(msg.RequestID, msg.Action, code, err.Error()))
		return
	}

	c.registerSubscription(sub)

	resp, _ := newResponse(msg.RequestID, msg.Action, map[string]string{"subscriptionId": req.SubscriptionID})
	c.sendMessage(resp)
}

// registerSubscription adopts a subscription already bound to its
// source (agent, terminal list, or a freshly attached terminal stream)
// and starts the goroutine that drains it onto the wire in order.
func (c *Client) registerSubscription(sub *subscription) {
	c.mu.Lock()
	c.subscriptions[sub.id] = sub
	c.mu.Unlock()
	go c.pumpSubscription(sub)
}

func resourceHintForChannel(channel string) string {
	if channel == channelTerminalList || channel == channelTerminalStream {
		return "terminal"
	}
	return "agent"
}

func (c *Client) handleUnsubscribe(msg *Message) {
	var req unsubscribeRequest
	_ = msg.ParsePayload(&req)

	c.mu.Lock()
	sub, ok := c.subscriptions[req.SubscriptionID]
	delete(c.subscriptions, req.SubscriptionID)
	c.mu.Unlock()

	if ok {
		sub.close()
	}
	resp, _ := newResponse(msg.RequestID, msg.Action, map[string]bool{"ok": true})
	c.sendMessage(resp)
}

// pumpSubscription drains sub's queue into c.send in order until sub is
// closed, preserving per-subscription ordering while letting distinct
// subscriptions interleave freely (§4.2 "ordering is guaranteed only
// within a single subscription").
func (c *Client) pumpSubscription(sub *subscription) {
	for {
		for _, msg := range sub.drain() {
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if !c.enqueue(data) {
				c.sendMessage(newErrorMessage("", msg.Action, codeResourceExhausted, "client send buffer full"))
				sub.close()
				return
			}
		}
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return
		}
		<-sub.notify
	}
}

func (c *Client) sendMessage(msg *Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue performs a non-blocking send to c.send, grounded on the
// teacher's Client.sendBytes drop-on-full behavior.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("client send buffer full, dropping frame")
		return false
	}
}

// WritePump owns the connection's write side exclusively, grounded on
// the teacher's Client.WritePump: a ticker drives keepalive pings, and
// every queued frame is flushed through NextWriter.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.closeConn()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSubscriptionsForTarget closes any subscription bound to target
// (used by detach_terminal_stream, since the Multiplexer itself has no
// notion of subscriptionId to detach by).
func (c *Client) closeSubscriptionsForTarget(target string) {
	c.mu.Lock()
	var matched []*subscription
	for id, s := range c.subscriptions {
		if s.target == target {
			matched = append(matched, s)
			delete(c.subscriptions, id)
		}
	}
	c.mu.Unlock()
	for _, s := range matched {
		s.close()
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.subscriptions = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	_ = c.conn.Close()
}

func newClientID() string {
	return uuid.NewString()
}
