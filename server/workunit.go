package server

import "context"

// Handler processes one acknowledged payload. Its error never reaches the sender; the worker
// pool logs it.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// WorkUnit pairs a received payload with the handler that will process it.
type WorkUnit struct {
	payload []byte
	handler Handler
}

func NewWorkUnit(payload []byte, handler Handler) WorkUnit {
	return WorkUnit{payload: payload, handler: handler}
}

func (u WorkUnit) Payload() []byte {
	return u.payload
}

// Run invokes the handler on the calling goroutine.
func (u WorkUnit) Run(ctx context.Context) error {
	return u.handler.Handle(ctx, u.payload)
}
