package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToHandlerAndChannel(t *testing.T) {
	bus := NewBus()

	var got []Type
	unsub := bus.Subscribe(HandlerFunc(func(ev Event) { got = append(got, ev.Type) }))
	ch, unsubCh := bus.SubscribeChannel(4)
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(New(TypeMotion, nil))
	bus.Publish(New(TypeRecordingStarted, "motion_20250101_000000.mp4"))

	assert.Equal(t, []Type{TypeMotion, TypeRecordingStarted}, got)
	require.Len(t, ch, 2)
	ev := <-ch
	assert.Equal(t, TypeMotion, ev.Type)

	unsub()
	unsubCh()
	unsubCh()
	assert.Zero(t, bus.SubscriberCount())

	remaining := <-ch
	assert.Equal(t, TypeRecordingStarted, remaining.Type)
	_, open := <-ch
	assert.False(t, open)
}

func TestFullChannelDropsEvents(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.SubscribeChannel(1)

	bus.Publish(New(TypeHealth, "Healthy"))
	bus.Publish(New(TypeHealth, "Unhealthy"))

	require.Len(t, ch, 1)
	assert.Equal(t, "Healthy", (<-ch).Data)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(New(TypeMotion, nil)) })
}

func TestCloseClosesChannels(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.SubscribeChannel(1)
	bus.Close()

	_, open := <-ch
	assert.False(t, open)
}
