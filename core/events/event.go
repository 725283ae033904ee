package events

// Event represents a structured state change emitted by the node.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer holds events raised inside a transaction until the transaction
// outcome is known. Flush forwards them in order; Discard drops them.
type Buffer struct {
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int { return len(b.pending) }

// Flush forwards the buffered events to dst and empties the buffer.
func (b *Buffer) Flush(dst Emitter) {
	pending := b.pending
	b.pending = nil
	if dst == nil {
		return
	}
	for _, evt := range pending {
		dst.Emit(evt)
	}
}

// Discard drops every buffered event.
func (b *Buffer) Discard() { b.pending = nil }
