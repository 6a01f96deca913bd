package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Publish(b, DevicePublished, "x")
	require.Len(t, a, 1)
	require.Len(t, c, 1)
	ev := <-a
	assert.Equal(t, DevicePublished, ev.Type)
	assert.False(t, ev.Time.IsZero())

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	Publish(b, DeviceFailed, nil)
	assert.Len(t, c, 2)
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	Publish(b, DispatchDone, 1)
	Publish(b, DispatchDone, 2)
	assert.Len(t, ch, 1)
	assert.Equal(t, 1, (<-ch).Data)
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { Publish(nil, DispatchDone, nil) })
}
