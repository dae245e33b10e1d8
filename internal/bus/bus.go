package bus

import (
	"context"
	"sync"
)

// MessageBus decouples adapters from the gateway. Inbound is consumed
// by the gateway's event loop; Outbound is drained by DispatchOutbound,
// which routes each message to the subscriber registered under its
// Channel name.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(size int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, size),
		Outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the delivery callback for a channel name.
// Registering the same name again replaces the previous callback.
func (b *MessageBus) SubscribeOutbound(name string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = fn
}

// DispatchOutbound drains Outbound until ctx is cancelled. Messages for
// unknown channels are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if fn != nil {
				fn(msg)
			}
		}
	}
}
