// Package events is a small in-process pub/sub bus. Each Event carries a
// Kind tag and a map[string]any payload keyed by field name (e.g.
// "agentId", "teamId") rather than a concrete struct per Kind, so a new
// field can be added at a call site without a matching type change here;
// subscribers read fields by key and tolerate missing ones. Subscribers
// get a bounded channel, and a slow subscriber never blocks a publisher —
// the event is dropped and logged instead.
package events

import (
	"log/slog"
	"sync"
)

// Kind identifies an event variant. The constants below cover the events
// of the circuit breaker, checkpoint manager, auto-scaler, budget tracker
// and self-healing controller.
type Kind string

const (
	KindCircuitStateChanged Kind = "circuit.state_changed"
	KindCircuitOpened       Kind = "circuit.opened"
	KindCircuitClosed       Kind = "circuit.closed"
	KindCircuitHalfOpen     Kind = "circuit.half_open"
	KindCircuitSuccess      Kind = "circuit.success"
	KindCircuitFailure      Kind = "circuit.failure"
	KindCircuitFallbackUsed Kind = "circuit.fallback_used"

	KindScalingDecision Kind = "scaling.decision"
	KindScalingBlocked  Kind = "scaling.blocked"
	KindScalingExecuted Kind = "scaling.executed"

	KindAgentFailed        Kind = "agent.failed"
	KindRecoverySuccess    Kind = "recovery.success"
	KindRecoveryFailed     Kind = "recovery.failed"
	KindEscalation         Kind = "escalation"
	KindNotifyEscalation   Kind = "notify.escalation"
	KindBudgetAlert        Kind = "budget.alert"
	KindCheckpointCreated  Kind = "checkpoint.created"
	KindCheckpointRestored Kind = "checkpoint.restored"
)

// Event is the envelope published on the bus. Payload is conventionally
// a map[string]any; subscribers switch on Kind and read the fields that
// Kind's emitter is documented to set.
type Event struct {
	Kind    Kind
	Payload any
}

const defaultBufferSize = 64

// Bus fans Publish calls out to every current subscriber. It holds no
// domain knowledge; components build their payload maps and Publish them.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus. logger is used only to report dropped events.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// receiving events and release the channel.
type Subscription struct {
	id int
	C  <-chan Event
	bus *Bus
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(ch)
	}
}

// Subscribe registers a new subscriber with a bounded channel of bufferSize
// (defaultBufferSize if <= 0).
func (b *Bus) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{id: id, C: ch, bus: b}
}

// Publish fans out ev to every subscriber. A subscriber whose buffer is
// full has the event dropped for it and a warning logged; other
// subscribers are unaffected.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.logger != nil {
				b.logger.Warn("event bus subscriber buffer full, dropping event",
					"kind", ev.Kind, "subscriber", id)
			}
		}
	}
}
