package coord

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovpn-node/pkg/model"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestControlMessagesFilterByServer(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := ControlMessages(ctx, bus, "srv-1", zerolog.Nop())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.Subscribers(model.ControlChannel) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, PublishControl(ctx, bus, model.ControlMessage{ServerID: "srv-2", Message: "stop"}))
	require.NoError(t, bus.Publish(ctx, model.ControlChannel, []byte("{not json")))
	require.NoError(t, PublishControl(ctx, bus, model.ControlMessage{ServerID: "srv-1", Message: "force_stop"}))

	msg := recv(t, msgs)
	assert.Equal(t, "srv-1", msg.ServerID)
	assert.Equal(t, "force_stop", msg.Message)
	assert.Equal(t, model.ControlChannel, msg.Channel)
}

func TestMemoryBusUnsubscribeOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("c"))
	cancel()
	for range ch {
	}
	assert.Equal(t, 0, bus.Subscribers("c"))
	require.NoError(t, bus.Publish(context.Background(), "c", []byte("x")))
}
