package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdex/meshdex/internal/transport"
)

func TestMemoryBusBroadcast(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	var got [][]byte
	unsub1, err := bus.Subscribe("meshdex/dex/v1/orders", func(_ context.Context, topic string, data []byte) {
		assert.Equal(t, "meshdex/dex/v1/orders", topic)
		got = append(got, data)
	})
	require.NoError(t, err)
	defer unsub1()

	var second int
	unsub2, err := bus.Subscribe("meshdex/dex/v1/orders", func(_ context.Context, _ string, _ []byte) {
		second++
	})
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, bus.Publish(context.Background(), "meshdex/dex/v1/orders", []byte("a")))
	require.NoError(t, bus.Publish(context.Background(), "meshdex/dex/v1/orders", []byte("b")))

	require.Len(t, got, 2)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "b", string(got[1]))
	assert.Equal(t, 2, second)
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	var calls int
	_, err := bus.Subscribe("topic-a", func(_ context.Context, _ string, _ []byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "topic-b", []byte("x")))
	assert.Zero(t, calls)
}

func TestMemoryBusHandlerGetsCopy(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	payload := []byte("original")
	_, err := bus.Subscribe("t", func(_ context.Context, _ string, data []byte) {
		data[0] = 'X'
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", payload))
	assert.Equal(t, "original", string(payload))
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := transport.NewMemoryBus()
	defer bus.Close()

	var calls int
	unsub, err := bus.Subscribe("t", func(_ context.Context, _ string, _ []byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	unsub()
	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Equal(t, 1, calls)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := transport.NewMemoryBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "t", nil)
	assert.ErrorIs(t, err, transport.ErrBusClosed)

	_, err = bus.Subscribe("t", func(_ context.Context, _ string, _ []byte) {})
	assert.ErrorIs(t, err, transport.ErrBusClosed)
}
