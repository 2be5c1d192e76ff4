package gateway

import "context"

// Handler answers one request action, returning the payload to embed in
// the response frame. Grounded on the teacher's pkg/websocket.Handler,
// generalized to take the originating *Client so handlers can read its
// clientId/subscriptions.
type Handler interface {
	Handle(ctx context.Context, c *Client, msg *Message) (interface{}, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, c *Client, msg *Message) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	return f(ctx, c, msg)
}

// Dispatcher routes a request Message to the Handler registered for its
// Action, grounded on the teacher's pkg/websocket.Dispatcher.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(action string, h Handler) {
	d.handlers[action] = h
}

func (d *Dispatcher) RegisterFunc(action string, f HandlerFunc) {
	d.Register(action, f)
}

func (d *Dispatcher) HasHandler(action string) bool {
	_, ok := d.handlers[action]
	return ok
}

// Dispatch invokes the handler registered for msg.Action. The caller
// (Client.handleMessage) is responsible for turning a non-nil error
// into an error frame via the Gateway's code mapping.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	h, ok := d.handlers[msg.Action]
	if !ok {
		return nil, errUnknownAction(msg.Action)
	}
	return h.Handle(ctx, c, msg)
}
