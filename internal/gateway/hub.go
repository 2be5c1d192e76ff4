package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/lifecycle"
	"github.com/paseohq/paseod/internal/terminal"
)

// Hub owns every accepted connection and is the only component that
// talks to the Lifecycle Manager and Terminal Multiplexer on the
// Gateway's behalf, grounded on the teacher's
// internal/gateway/websocket.Hub register/unregister/broadcast shape,
// restructured around client-chosen subscriptions instead of
// task-id-keyed broadcast groups.
type Hub struct {
	log        *logger.Logger
	dispatcher *Dispatcher
	manager    *lifecycle.Manager
	terminals  *terminal.Multiplexer

	mu      sync.RWMutex
	clients map[*Client]bool

	dirMu   sync.Mutex
	dirSubs map[string]*subscription
}

func NewHub(log *logger.Logger, manager *lifecycle.Manager, terminals *terminal.Multiplexer) *Hub {
	h := &Hub{
		log:       log.WithFields(zap.String("component", "gateway_hub")),
		manager:   manager,
		terminals: terminals,
		clients:   make(map[*Client]bool),
		dirSubs:   make(map[string]*subscription),
	}
	h.dispatcher = buildDispatcher(h)
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount reports the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on daemon shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.closeConn()
	}
}

// bind resolves a generic (non terminal-stream) subscribe request into
// a live subscription backed by the Manager or Multiplexer.
func (h *Hub) bind(c *Client, subID, channel, target string) (*subscription, error) {
	switch channel {
	case channelAgent:
		return h.bindAgent(c, subID, target)
	case channelTerminalList:
		return h.bindTerminalList(c, subID, target)
	case channelAgentDirectory:
		return h.bindAgentDirectory(c, subID)
	case channelTerminalStream:
		return nil, errInvalidArgument("terminal_stream subscriptions are bound by attach_terminal_stream, not subscribe")
	default:
		return nil, errInvalidArgument("unknown subscription channel %q", channel)
	}
}

func (h *Hub) bindAgent(c *Client, subID, agentID string) (*subscription, error) {
	info, entries, err := h.manager.InitializeAgentAndGetHistory(context.Background(), agentID)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(subID, channelAgent, agentID, nil)
	unsubscribe, err := h.manager.SubscribeToUpdates(agentID, func(entry lifecycle.TimelineEntry) {
		sub.publish(mustEvent(subID, timelineEntryToAction(entry.Kind), agentUpdatePayload{AgentID: agentID, Entry: entry}))
	})
	if err != nil {
		return nil, err
	}
	sub.cancel = unsubscribe

	sub.publish(mustEvent(subID, actionAgentSnapshot, agentSnapshotPayload{Agent: info, Timeline: entries}))
	return sub, nil
}

func (h *Hub) bindTerminalList(c *Client, subID, cwd string) (*subscription, error) {
	sub := newSubscription(subID, channelTerminalList, cwd, nil)
	publish := func(cwd string) {
		sub.publish(mustEvent(subID, actionTerminalListChanged, terminalListChangedPayload{
			Cwd: cwd, Terminals: h.terminals.ListTerminals(cwd),
		}))
	}
	sub.cancel = h.terminals.SubscribeTerminals(cwd, publish)
	publish(cwd)
	return sub, nil
}

func (h *Hub) bindAgentDirectory(c *Client, subID string) (*subscription, error) {
	sub := newSubscription(subID, channelAgentDirectory, "", nil)
	h.dirMu.Lock()
	h.dirSubs[subID] = sub
	h.dirMu.Unlock()
	sub.cancel = func() {
		h.dirMu.Lock()
		delete(h.dirSubs, subID)
		h.dirMu.Unlock()
	}
	sub.publish(mustEvent(subID, actionAgentDirectorySnapshot, agentDirectorySnapshotPayload{Agents: h.manager.ListAgents()}))
	return sub, nil
}

// publishDirectoryDelta fans a create/delete out to every connection
// currently subscribed to the agent_directory channel (§4.2
// "agent_directory_snapshot / agent_directory_delta").
func (h *Hub) publishDirectoryDelta(delta agentDirectoryDeltaPayload) {
	h.dirMu.Lock()
	subs := make([]*subscription, 0, len(h.dirSubs))
	for _, s := range h.dirSubs {
		subs = append(subs, s)
	}
	h.dirMu.Unlock()
	for _, s := range subs {
		s.publish(mustEvent(s.id, actionAgentDirectoryDelta, delta))
	}
}
