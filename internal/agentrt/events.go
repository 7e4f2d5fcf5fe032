package agentrt

import (
	"context"
	"time"

	"github.com/hiverun/hive/internal/eventbus"
)

// ensureIngestion subscribes to the remote event stream exactly once per
// Runtime and fans each event out to whichever handle is currently bound
// to its session id, per spec §4.5.4. The remote server multiplexes
// every session over a single event stream, so a second, per-handle
// Subscribe call would only steal events from the first — ensureIngestion
// is idempotent and safe to call once per EnsureAgentSession.
func (r *Runtime) ensureIngestion() {
	r.mu.Lock()
	if r.subCancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.subCancel = cancel
	r.mu.Unlock()

	events, err := r.client.Subscribe(ctx)
	if err != nil {
		r.log.Warn("agentrt: failed to subscribe to remote event stream")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				h, ok := r.lookupBySession(ev.SessionID)
				if !ok {
					continue
				}
				r.dispatch(h, ev)
			}
		}
	}()
}

// stopIngestion cancels the shared event subscription, if one was
// started. Only the full-runtime shutdown path calls this — stopping a
// single session must not interrupt delivery for every other session
// sharing the same stream.
func (r *Runtime) stopIngestion() {
	r.mu.Lock()
	cancel := r.subCancel
	r.subCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// dispatch applies one remote event to h's state and re-publishes it on
// the local agent event bus, per spec §4.5.4.
func (r *Runtime) dispatch(h *Handle, ev RemoteEvent) {
	switch ev.Type {
	case "message.updated":
		r.handleMessageUpdated(h, ev)
	case "session.compacted":
		r.handleCompaction(h, ev)
	case "session.error":
		r.handleSessionError(h, ev)
	case "session.idle":
		h.setStatus(StatusAwaitingInput)
	case "session.status":
		if innerStatus(ev) != "idle" {
			h.setStatus(StatusWorking)
		}
	case "permission.asked", "permission.updated", "question.asked", "question.rejected":
		h.setStatus(StatusAwaitingInput)
	case "permission.replied", "question.replied":
		h.setStatus(StatusWorking)
	}

	r.bus.Publish(eventbus.TopicAgentEvent, h.Session.ID, eventbus.AgentEvent{
		Type:       ev.Type,
		Properties: ev.Properties,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (r *Runtime) handleMessageUpdated(h *Handle, ev RemoteEvent) {
	role, _ := ev.Properties["role"].(string)

	if role == "assistant" {
		if mode, ok := normalizeMode(ev.Properties["mode"]); ok {
			h.setMode(mode)
			r.bus.Publish(eventbus.TopicAgentEvent, h.Session.ID, eventbus.AgentEvent{
				Type:       "mode",
				Properties: map[string]any{"mode": string(mode)},
				Timestamp:  time.Now().UnixMilli(),
			})
		}
	}

	if h.getPendingInterrupt() {
		return
	}
	switch role {
	case "assistant":
		h.setStatus(StatusWorking)
	case "user":
		// no status change
	}
}

func (r *Runtime) handleCompaction(h *Handle, ev RemoteEvent) {
	count := 0
	if v, ok := ev.Properties["compacted"]; ok {
		count = toInt(v)
	} else if v, ok := ev.Properties["count"]; ok {
		count = toInt(v)
	}
	h.recordCompaction(count)

	r.bus.Publish(eventbus.TopicAgentEvent, h.Session.ID, eventbus.AgentEvent{
		Type:       "session.compaction",
		Properties: ev.Properties,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (r *Runtime) handleSessionError(h *Handle, ev RemoteEvent) {
	if h.getPendingInterrupt() {
		h.setStatus(StatusAwaitingInput)
		h.setPendingInterrupt(false)
		return
	}
	h.setStatus(StatusError)
}

func normalizeMode(v any) (Mode, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch Mode(s) {
	case ModePlan, ModeBuild:
		return Mode(s), true
	default:
		return "", false
	}
}

func innerStatus(ev RemoteEvent) string {
	s, _ := ev.Properties["status"].(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
