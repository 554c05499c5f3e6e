package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesFutureEvents(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.Publish(EventSessionStarted, nil, map[string]string{"project": "demo"})

	select {
	case e := <-ch:
		require.Equal(t, EventSessionStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeReplaysBufferedHistory(t *testing.T) {
	h := New()
	sessID := int64(7)
	h.Publish(EventObservationQueued, &sessID, nil)
	h.Publish(EventNewObservation, &sessID, nil)

	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	first := <-ch
	second := <-ch
	require.Equal(t, EventObservationQueued, first.Type)
	require.Equal(t, EventNewObservation, second.Type)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()
	_ = ch // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferCap+200; i++ {
			h.Publish(EventProcessingStatus, nil, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	ch, unsubscribe := h.Subscribe()
	unsubscribe()

	h.Publish(EventSessionCompleted, nil, nil)

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should not be redelivered to after unsubscribe")
	default:
	}
	require.Equal(t, 0, h.SubscriberCount())
}

func TestEventEncodeProducesSSEFrame(t *testing.T) {
	e := Event{Type: EventNewPrompt, OccurredAtEpoch: 123}
	frame, err := e.Encode()
	require.NoError(t, err)
	require.Contains(t, string(frame), "data: ")
	require.Contains(t, string(frame), "\"type\":\"new_prompt\"")
}
