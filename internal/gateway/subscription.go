package gateway

import "sync"

// coalescible event classes may have a stale queued copy replaced by a
// fresher one instead of counting against the bound; everything else
// (terminal bytes, timeline entries) cannot be coalesced without losing
// information, so a full queue on those classes drops the subscription
// instead (§4.2 "Back-pressure").
var coalescibleActions = map[string]bool{
	actionTerminalListChanged:    true,
	actionAgentDirectorySnapshot: true,
	actionAgentDirectoryDelta:    true,
}

const subscriptionQueueSize = 64

// subscription is one client-chosen event stream binding: a channel
// ("agent", "terminal_list", "terminal_stream", "agent_directory") plus
// the id it's scoped to, and the bounded queue events are coalesced or
// dropped into before the Client's write pump drains them in order.
type subscription struct {
	id      string
	channel string
	target  string

	mu     sync.Mutex
	queue  []*Message
	closed bool
	cancel func()

	// notify wakes the Client's write pump whenever publish adds
	// something to drain; buffered 1 so publish never blocks on it.
	notify chan struct{}
}

func newSubscription(id, channel, target string, cancel func()) *subscription {
	return &subscription{id: id, channel: channel, target: target, cancel: cancel, notify: make(chan struct{}, 1)}
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// publish enqueues msg, coalescing with the last queued message of the
// same action when permitted, or signalling overflow (resource
// exhaustion) when the queue is full and the message cannot be
// coalesced. Ordering within one subscription is preserved; publish
// never blocks.
func (s *subscription) publish(msg *Message) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	if coalescibleActions[msg.Action] && len(s.queue) > 0 {
		last := s.queue[len(s.queue)-1]
		if last.Action == msg.Action {
			s.queue[len(s.queue)-1] = msg
			s.wake()
			return false
		}
	}

	if len(s.queue) >= subscriptionQueueSize {
		if coalescibleActions[msg.Action] {
			// Drop the oldest coalescible entry to make room rather than
			// the newest, since the newest carries the freshest state.
			s.queue = append(s.queue[1:], msg)
			s.wake()
			return false
		}
		// Not coalescible: close the subscription and leave a
		// resource_exhausted error frame as its last message so the
		// client knows to re-subscribe.
		errMsg := newErrorMessage("", msg.Action, codeResourceExhausted, "subscription queue full")
		errMsg.SubscriptionID = s.id
		s.queue = append(s.queue, errMsg)
		s.closed = true
		if s.cancel != nil {
			go s.cancel()
		}
		s.wake()
		return true
	}

	s.queue = append(s.queue, msg)
	s.wake()
	return false
}

// drain removes and returns every currently queued message, for the
// Client's write pump to flush in order.
func (s *subscription) drain() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}
