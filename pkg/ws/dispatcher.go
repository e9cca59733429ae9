package ws

import "context"

// Handler processes one inbound command frame. The returned events, if any,
// are sent back on the originating connection only; fan-out to other
// connections happens through the event bus.
type Handler interface {
	Handle(ctx context.Context, frame *Frame) ([]*Event, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, frame *Frame) ([]*Event, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) ([]*Event, error) {
	return f(ctx, frame)
}

// Dispatcher routes inbound frames to handlers by type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(frameType string, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(frameType string, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes a frame to its handler. Unknown types yield (nil, nil,
// false).
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) ([]*Event, error, bool) {
	handler, ok := d.handlers[frame.Type]
	if !ok {
		return nil, nil, false
	}
	events, err := handler.Handle(ctx, frame)
	return events, err, true
}
