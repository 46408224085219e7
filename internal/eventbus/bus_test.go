package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	published := b.PublishNew(EventTypeProjectCreated, SeverityInfo, "p1", WithMessage("created"))
	require.NotEmpty(t, published.ID)
	require.False(t, published.CreatedAt.IsZero())

	for _, ch := range []<-chan *Event{ch1, ch2} {
		got := <-ch
		require.Equal(t, published.ID, got.ID)
		require.Equal(t, EventTypeProjectCreated, got.Type)
		require.Equal(t, "p1", got.ProjectID)
		require.Equal(t, "created", got.Message)
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := New()
	_, ch := b.Subscribe(16)

	types := []EventType{
		EventTypeProjectCreated,
		EventTypeTaskCreated,
		EventTypeTaskStarted,
		EventTypeTaskAwaitingApproval,
		EventTypeTaskApproved,
		EventTypeProjectCompleted,
	}
	for _, et := range types {
		b.PublishNew(et, SeverityInfo, "p1")
	}
	for _, want := range types {
		got := <-ch
		require.Equal(t, want, got.Type)
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	_, slow := b.Subscribe(1)
	_, fast := b.Subscribe(8)

	b.PublishNew(EventTypeTaskCreated, SeverityInfo, "p1", WithTask("t1"))
	b.PublishNew(EventTypeTaskStarted, SeverityInfo, "p1", WithTask("t1"))

	// The slow subscriber only got the first event; the fast one got both.
	require.Len(t, slow, 1)
	require.Len(t, fast, 2)

	got := <-slow
	require.Equal(t, EventTypeTaskCreated, got.Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(4)

	b.Unsubscribe(id)
	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.PublishNew(EventTypeProjectCompleted, SeverityInfo, "p1")

	// Double unsubscribe is a no-op.
	b.Unsubscribe(id)
}

func TestEventOptions(t *testing.T) {
	b := New()
	_, ch := b.Subscribe(1)

	b.PublishNew(EventTypePhaseChanged, SeverityInfo, "p1",
		WithTask("t1"),
		WithWorker("w1"),
		WithMessage("moving on"),
		WithMetadata(map[string]string{"from": "planning", "to": "building"}),
	)

	got := <-ch
	require.Equal(t, "t1", got.TaskID)
	require.Equal(t, "w1", got.WorkerID)
	require.Equal(t, "moving on", got.Message)
	require.Equal(t, "planning", got.Metadata["from"])
	require.Equal(t, "building", got.Metadata["to"])
}
