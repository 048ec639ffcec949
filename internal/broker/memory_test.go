package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func assertNoDelivery(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBrokerPublishSubscribeFIFO(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	msgs, err := b.Subscribe(ctx, "w1", "q")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", "h1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", "h2", []byte("two")))

	first := recv(t, msgs)
	assert.Equal(t, "h1", first.Handle)
	assert.Equal(t, "q", first.Queue)
	assert.Equal(t, []byte("one"), first.Body)
	assert.Equal(t, "h2", recv(t, msgs).Handle)
}

func TestMemoryBrokerPauseResume(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	msgs, err := b.Subscribe(ctx, "w1", "q")
	require.NoError(t, err)

	require.NoError(t, b.StopConsuming(ctx, "w1", []string{"q"}))
	require.NoError(t, b.Publish(ctx, "q", "h1", []byte("x")))

	// Paused workers receive nothing; the message stays queued.
	assertNoDelivery(t, msgs)
	assert.Equal(t, 1, b.QueueDepth("q"))

	require.NoError(t, b.StartConsuming(ctx, "w1", []string{"q"}))
	assert.Equal(t, "h1", recv(t, msgs).Handle)
}

func TestMemoryBrokerPauseIsPerWorker(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	pausedCh, err := b.Subscribe(ctx, "paused", "q")
	require.NoError(t, err)
	require.NoError(t, b.StopConsuming(ctx, "paused", []string{"q"}))

	activeCh, err := b.Subscribe(ctx, "active", "q")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", "h1", []byte("x")))

	// Only the unpaused worker competes for the message.
	assert.Equal(t, "h1", recv(t, activeCh).Handle)
	assertNoDelivery(t, pausedCh)
}

func TestMemoryBrokerCancelDropsQueuedAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	cancels, err := b.CancelRequests(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", "doomed", []byte("x")))
	require.NoError(t, b.Publish(ctx, "q", "kept", []byte("y")))

	accepted, err := b.Cancel(ctx, "doomed", true)
	require.NoError(t, err)
	assert.True(t, accepted)

	assert.Equal(t, 1, b.QueueDepth("q"))

	select {
	case req := <-cancels:
		assert.Equal(t, "doomed", req.Handle)
		assert.True(t, req.Force)
	case <-time.After(time.Second):
		t.Fatal("cancellation broadcast not received")
	}

	msgs, err := b.Subscribe(ctx, "w1", "q")
	require.NoError(t, err)
	assert.Equal(t, "kept", recv(t, msgs).Handle)
}

func TestMemoryBrokerClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	msgs, err := b.Subscribe(ctx, "w1", "q")
	require.NoError(t, err)
	cancels, err := b.CancelRequests(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-msgs:
		assert.False(t, ok, "message channel should close")
	case <-time.After(time.Second):
		t.Fatal("message channel not closed")
	}
	_, ok := <-cancels
	assert.False(t, ok, "cancel channel should close")

	assert.Error(t, b.Publish(ctx, "q", "h", nil))
	_, err = b.Subscribe(ctx, "w1", "q")
	assert.Error(t, err)

	// Double close is safe.
	assert.NoError(t, b.Close())
}
