// Package bus carries typed events between the platform side and the
// dispatcher, and publishes domain events to the widget side.
package bus

import "context"

// OperatorBus carries operator events from the Discord Gateway and the
// inbound webhooks to the dispatcher.
// Producers call Publish; the dispatcher reads via Subscribe.
type OperatorBus struct {
	ch chan OperatorEvent
}

func NewOperatorBus(bufSize int) *OperatorBus {
	return &OperatorBus{ch: make(chan OperatorEvent, bufSize)}
}

// Publish delivers ev, waiting for room until ctx is done.
func (b *OperatorBus) Publish(ctx context.Context, ev OperatorEvent) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a receive-only view of the event channel.
func (b *OperatorBus) Subscribe() <-chan OperatorEvent {
	return b.ch
}
