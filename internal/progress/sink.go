package progress

import "context"

// Sink receives batches of run events. Calls to one sink never overlap, but
// all sinks get the same batch at the same time, so a sink must not modify
// it. Consume should give up when ctx ends.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. The Hub implements it; the engine and the
// coordinator only see this interface.
type Emitter interface {
	Emit(evt Event)
}
