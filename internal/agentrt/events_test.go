package agentrt

import (
	"testing"

	"github.com/hiverun/hive/internal/eventbus"
	"github.com/hiverun/hive/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestHandle() (*Runtime, *Handle) {
	rt := &Runtime{
		bySession: make(map[string]*Handle),
		byCell:    make(map[string]string),
		bus:       eventbus.New(),
	}
	h := &Handle{
		Session:     RemoteSession{ID: "sess-1"},
		Cell:        store.Cell{ID: "cell-1"},
		Status:      StatusAwaitingInput,
		CurrentMode: ModePlan,
	}
	return rt, h
}

func TestDispatchMessageUpdatedAssistantSetsWorking(t *testing.T) {
	rt, h := newTestHandle()
	rt.dispatch(h, RemoteEvent{Type: "message.updated", SessionID: "sess-1", Properties: map[string]any{"role": "assistant"}})
	require.Equal(t, StatusWorking, h.getStatus())
}

func TestDispatchMessageUpdatedUserDoesNotChangeStatus(t *testing.T) {
	rt, h := newTestHandle()
	h.Status = StatusAwaitingInput
	rt.dispatch(h, RemoteEvent{Type: "message.updated", SessionID: "sess-1", Properties: map[string]any{"role": "user"}})
	require.Equal(t, StatusAwaitingInput, h.getStatus())
}

func TestDispatchMessageUpdatedSuppressedByPendingInterrupt(t *testing.T) {
	rt, h := newTestHandle()
	h.Status = StatusAwaitingInput
	h.PendingInterrupt = true
	rt.dispatch(h, RemoteEvent{Type: "message.updated", SessionID: "sess-1", Properties: map[string]any{"role": "assistant"}})
	require.Equal(t, StatusAwaitingInput, h.getStatus(), "status should not change while an interrupt is pending")
}

func TestDispatchMessageUpdatedUpdatesMode(t *testing.T) {
	rt, h := newTestHandle()
	rt.dispatch(h, RemoteEvent{Type: "message.updated", SessionID: "sess-1", Properties: map[string]any{"role": "assistant", "mode": "build"}})
	require.Equal(t, ModeBuild, h.CurrentMode)
}

func TestDispatchSessionCompactedIncrementsCount(t *testing.T) {
	rt, h := newTestHandle()
	rt.dispatch(h, RemoteEvent{Type: "session.compacted", SessionID: "sess-1", Properties: map[string]any{}})
	rt.dispatch(h, RemoteEvent{Type: "session.compacted", SessionID: "sess-1", Properties: map[string]any{}})
	require.Equal(t, 2, h.Compaction.Count)
}

func TestDispatchSessionCompactedAdoptsExplicitCount(t *testing.T) {
	rt, h := newTestHandle()
	rt.dispatch(h, RemoteEvent{Type: "session.compacted", SessionID: "sess-1", Properties: map[string]any{"compacted": 5}})
	require.Equal(t, 5, h.Compaction.Count)
}

func TestDispatchSessionErrorSetsErrorStatus(t *testing.T) {
	rt, h := newTestHandle()
	rt.dispatch(h, RemoteEvent{Type: "session.error", SessionID: "sess-1", Properties: map[string]any{}})
	require.Equal(t, StatusError, h.getStatus())
}

func TestDispatchSessionErrorWithPendingInterruptResetsToAwaitingInput(t *testing.T) {
	rt, h := newTestHandle()
	h.PendingInterrupt = true
	rt.dispatch(h, RemoteEvent{Type: "session.error", SessionID: "sess-1", Properties: map[string]any{}})
	require.Equal(t, StatusAwaitingInput, h.getStatus())
	require.False(t, h.getPendingInterrupt())
}

func TestDispatchSessionIdleSetsAwaitingInput(t *testing.T) {
	rt, h := newTestHandle()
	h.Status = StatusWorking
	rt.dispatch(h, RemoteEvent{Type: "session.idle", SessionID: "sess-1"})
	require.Equal(t, StatusAwaitingInput, h.getStatus())
}

func TestDispatchPermissionAskedSetsAwaitingInput(t *testing.T) {
	rt, h := newTestHandle()
	h.Status = StatusWorking
	rt.dispatch(h, RemoteEvent{Type: "permission.asked", SessionID: "sess-1"})
	require.Equal(t, StatusAwaitingInput, h.getStatus())
}

func TestDispatchPublishesToAgentEventBus(t *testing.T) {
	rt, h := newTestHandle()
	received := make(chan eventbus.AgentEvent, 1)
	unsub := rt.bus.Subscribe(eventbus.TopicAgentEvent, "sess-1", func(event any) {
		received <- event.(eventbus.AgentEvent)
	})
	defer unsub()

	rt.dispatch(h, RemoteEvent{Type: "session.idle", SessionID: "sess-1"})

	select {
	case ev := <-received:
		require.Equal(t, "session.idle", ev.Type)
	default:
		t.Fatal("expected raw event to be republished on the agent event bus")
	}
}
