package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingKeyOnly(t *testing.T) {
	b := New()
	var gotA, gotB []any

	b.Subscribe(TopicServiceUpdate, "cell-a", func(e any) { gotA = append(gotA, e) })
	b.Subscribe(TopicServiceUpdate, "cell-b", func(e any) { gotB = append(gotB, e) })

	b.Publish(TopicServiceUpdate, "cell-a", ServiceUpdateEvent{CellID: "cell-a", Status: "running"})

	require.Len(t, gotA, 1)
	require.Len(t, gotB, 0)
}

func TestPublishPreservesEmitOrderPerTopic(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe(TopicCellTiming, "cell-1", func(e any) { order = append(order, e.(int)) })

	b.Publish(TopicCellTiming, "cell-1", 1)
	b.Publish(TopicCellTiming, "cell-1", 2)
	b.Publish(TopicCellTiming, "cell-1", 3)

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(TopicAgentEvent, "sess-1", func(e any) { count++ })

	b.Publish(TopicAgentEvent, "sess-1", AgentEvent{Type: "session.idle"})
	unsub()
	b.Publish(TopicAgentEvent, "sess-1", AgentEvent{Type: "session.idle"})

	require.Equal(t, 1, count)
}

func TestMultipleHandlersOnSameKeyAllReceive(t *testing.T) {
	b := New()
	var a, bCount int
	b.Subscribe(TopicCellStatus, "ws-1", func(e any) { a++ })
	b.Subscribe(TopicCellStatus, "ws-1", func(e any) { bCount++ })

	b.Publish(TopicCellStatus, "ws-1", CellStatusEvent{WorkspaceID: "ws-1", Status: "ready"})

	require.Equal(t, 1, a)
	require.Equal(t, 1, bCount)
}

func TestDifferentTopicsDoNotCrossDeliver(t *testing.T) {
	b := New()
	var timingCount int
	b.Subscribe(TopicCellTiming, "cell-1", func(e any) { timingCount++ })

	b.Publish(TopicServiceUpdate, "cell-1", ServiceUpdateEvent{})

	require.Equal(t, 0, timingCount)
}
