package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies it so workers stay
// agnostic about how events are buffered or persisted.
type Emitter interface {
	Publish(evt Event)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

// Publish implements Emitter.
func (Discard) Publish(Event) {}
