// Package events defines the typed events the exchange engines emit during
// state transitions and the emitter plumbing that carries them to the node's
// subscription stream.
package events

// Event is a structured state change emitted by an engine.
type Event interface {
	EventType() string
}

// Emitter receives events as a transition produces them. The node buffers
// them and publishes only once the transition commits.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards everything. Engines fall back to it so emission is
// always safe to call.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}
