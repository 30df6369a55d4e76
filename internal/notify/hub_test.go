package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub[string](2)

	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	require.Equal(t, 2, h.Publish("closed"))
	require.Equal(t, "closed", <-a)
	require.Equal(t, "closed", <-b)

	cancelA()
	cancelA() // second cancel is a no-op
	_, ok := <-a
	require.False(t, ok, "cancelled subscription channel must be closed")
	require.Equal(t, 1, h.Len())
}

func TestHubPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	h := NewHub[int](1)
	ch, cancel := h.Subscribe()
	defer cancel()

	require.Equal(t, 1, h.Publish(1))
	require.Equal(t, 0, h.Publish(2), "full buffer drops the value")
	require.Equal(t, 1, <-ch)
}

func TestHubClose(t *testing.T) {
	h := NewHub[int](0)
	ch, cancel := h.Subscribe()
	h.Close()
	h.Close()

	_, ok := <-ch
	require.False(t, ok)
	cancel()

	late, _ := h.Subscribe()
	_, ok = <-late
	require.False(t, ok)
	require.Equal(t, 0, h.Publish(5))
}
