package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusLocalDeliveryFIFO(t *testing.T) {
	b, err := NewBus(Config{}, "test-node")
	require.NoError(t, err)
	defer b.Close()

	inbox := b.Register("handle-1")
	b.Publish(Signal{HandleName: "handle-1", Kind: StateChanged, Args: map[string]any{"state": 1}})
	b.Publish(Signal{HandleName: "handle-1", Kind: StateChanged, Args: map[string]any{"state": 2}})

	first := <-inbox
	second := <-inbox
	require.Equal(t, 1, first.Args["state"])
	require.Equal(t, 2, second.Args["state"])
}

func TestBusPublishAllFansOutToEveryHandle(t *testing.T) {
	b, err := NewBus(Config{}, "test-node")
	require.NoError(t, err)
	defer b.Close()

	h1 := b.Register("h1")
	h2 := b.Register("h2")
	b.PublishAll([]string{"h1", "h2"}, SignedOut, nil)

	select {
	case sig := <-h1:
		require.Equal(t, SignedOut, sig.Kind)
	case <-time.After(time.Second):
		t.Fatal("h1 did not receive signal")
	}
	select {
	case sig := <-h2:
		require.Equal(t, SignedOut, sig.Kind)
	case <-time.After(time.Second):
		t.Fatal("h2 did not receive signal")
	}
}

func TestBusUnregisterClosesInbox(t *testing.T) {
	b, err := NewBus(Config{}, "test-node")
	require.NoError(t, err)
	defer b.Close()

	inbox := b.Register("h1")
	b.Unregister("h1")
	_, ok := <-inbox
	require.False(t, ok)
}

func TestBusPublishToUnregisteredHandleIsNoop(t *testing.T) {
	b, err := NewBus(Config{}, "test-node")
	require.NoError(t, err)
	defer b.Close()

	require.NotPanics(t, func() {
		b.Publish(Signal{HandleName: "ghost", Kind: Removed})
	})
}
