package chat

import "context"

// EventHandler receives decoded events in stream order. Returning an error
// aborts the stream.
type EventHandler func(ev Event) error

// RelayPort abstracts the upstream completion relay (e.g. Anthropic). Stream
// blocks until the upstream stream terminates; every decoded event is handed
// to emit in wire order. A nil return means the upstream signalled normal
// completion and the terminal done event has already been emitted.
type RelayPort interface {
	Stream(ctx context.Context, req *Request, emit EventHandler) error
}

// EventPublisher delivers events to subscribers keyed by stream id.
// Fire-and-forget: delivery failure is never fatal to the producer.
type EventPublisher interface {
	Publish(streamID string, ev Event)
}
