// Package events implements the client's informational event surface.
//
// Both the gateway shards and the REST pipeline publish onto one Bus
// (DEBUG, RAW, SHARD_ERROR, RATE_LIMIT, API_REQUEST, ...). Delivery is
// non-blocking: a subscriber that falls behind loses events rather than
// stalling the connection, the same policy the WebSocket dispatch uses for
// its typed channels.
package events

import (
	"log/slog"
	"sync"

	"discord-session/pkg/types"
)

// Event is one published occurrence. Payload type depends on Kind:
// CLOSE carries types.CloseEvent, RATE_LIMIT carries types.RateLimitInfo,
// RAW carries the decoded frame, DEBUG carries a string, and so on.
type Event struct {
	Kind    types.EventKind
	ShardID int // -1 for REST-side events
	Payload any
}

// Bus fans events out to per-kind subscriber channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[types.EventKind][]chan Event
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[types.EventKind][]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber for kind with the given channel
// buffer. The returned cancel func removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(kind types.EventKind, buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[kind] = append(b.subs[kind], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[kind]
			for i, c := range list {
				if c == ch {
					b.subs[kind] = append(list[:i], list[i+1:]...)
					break
				}
			}
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// HasSubscribers reports whether anyone is listening for kind. Publishers
// check this before building expensive payloads (cloned responses, debug
// strings).
func (b *Bus) HasSubscribers(kind types.EventKind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind]) > 0
}

// Emit delivers an event to every subscriber of its kind without blocking.
func (b *Bus) Emit(kind types.EventKind, shardID int, payload any) {
	b.mu.RLock()
	list := b.subs[kind]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	evt := Event{Kind: kind, ShardID: shardID, Payload: payload}
	for _, ch := range list {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber channel full, dropping event", "kind", string(kind))
		}
	}
}

// Close closes every subscriber channel. Emit and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	b.subs = make(map[types.EventKind][]chan Event)
}
