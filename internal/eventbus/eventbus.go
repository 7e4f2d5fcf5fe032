// Package eventbus is the process-local pub/sub fabric shared by the
// Supervisor, Provisioning Engine, and Agent Runtime, per spec §4.7.
//
// Four topics are named explicitly: service-update (keyed by cellId),
// cell-status (keyed by workspaceId), cell-timing (keyed by cellId), and
// agent-event (keyed by sessionId). Delivery is synchronous within the
// emit call — handlers must not block.
package eventbus

import "sync"

// Topic identifies one of the bus's four named channels.
type Topic string

const (
	TopicServiceUpdate Topic = "service-update"
	TopicCellStatus    Topic = "cell-status"
	TopicCellTiming    Topic = "cell-timing"
	TopicAgentEvent    Topic = "agent-event"
)

// Handler receives events published to a (topic, key) pair. Handlers must
// not block — delivery is synchronous within Publish.
type Handler func(event any)

// Bus is an in-process topic/key emitter. Subscribe returns an
// unsubscribe function.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic]map[string]map[int]Handler
	next int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic]map[string]map[int]Handler)}
}

// Subscribe registers handler for events published to (topic, key) and
// returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, key string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	byKey, ok := b.subs[topic]
	if !ok {
		byKey = make(map[string]map[int]Handler)
		b.subs[topic] = byKey
	}
	handlers, ok := byKey[key]
	if !ok {
		handlers = make(map[int]Handler)
		byKey[key] = handlers
	}

	id := b.next
	b.next++
	handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.subs[topic][key]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.subs[topic], key)
			}
		}
	}
}

// Publish delivers event synchronously to every handler currently
// subscribed to (topic, key), preserving emit order per topic as
// required by spec §5.
func (b *Bus) Publish(topic Topic, key string, event any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic][key]))
	for _, h := range b.subs[topic][key] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// ServiceUpdateEvent is published on TopicServiceUpdate whenever a
// service row transitions, keyed by cellId.
type ServiceUpdateEvent struct {
	CellID    string
	ServiceID string
	Name      string
	Status    string
	Port      int
	PID       int
	Error     string
}

// CellStatusEvent is published on TopicCellStatus, keyed by workspaceId.
type CellStatusEvent struct {
	CellID      string
	WorkspaceID string
	Status      string
	Error       string
}

// TimingEvent is published on TopicCellTiming, keyed by cellId, matching
// the payload shape of spec §6.
type TimingEvent struct {
	CellID     string
	Workflow   string
	RunID      string
	Step       string
	Status     string // "ok" | "error"
	DurationMs int64
	CreatedAt  int64
	Error      string
	Metadata   map[string]any
}

// AgentEvent is published on TopicAgentEvent, keyed by sessionId,
// matching the client envelope of spec §6.
type AgentEvent struct {
	Type       string
	Properties map[string]any
	Timestamp  int64
}
