package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/events"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	fail         error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return &fakeToken{err: c.fail}
	}
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func TestPublisherForwardsBusEvents(t *testing.T) {
	bus := events.NewBus()
	fc := &fakeClient{}
	p := NewPublisher(fc, "home/garage")
	unsubscribe := p.Attach(bus)

	bus.Publish(events.New(events.TypeMotion, map[string]bool{"active": true}))
	bus.Publish(events.New(events.TypeRecordingFinished, map[string]string{"path": "motion_20250601_120000.mp4"}))
	unsubscribe()
	require.NoError(t, p.Close())

	require.Len(t, fc.messages, 2)
	assert.Equal(t, "home/garage/motion", fc.messages[0].topic)
	assert.Equal(t, byte(0), fc.messages[0].qos)
	assert.Equal(t, "home/garage/recording_finished", fc.messages[1].topic)
	assert.Equal(t, byte(1), fc.messages[1].qos)

	var payload Payload
	require.NoError(t, json.Unmarshal(fc.messages[1].payload, &payload))
	assert.Equal(t, "recording_finished", payload.Type)
	assert.NotEmpty(t, payload.ID)
	assert.True(t, fc.disconnected)
	assert.Equal(t, uint64(2), p.Stats().Published)
}

func TestPublisherCountsErrors(t *testing.T) {
	fc := &fakeClient{fail: errors.New("not connected")}
	p := NewPublisher(fc, "")
	p.OnEvent(events.New(events.TypeHealth, "Unhealthy"))
	require.NoError(t, p.Close())

	assert.Equal(t, uint64(1), p.Stats().Errors)
	assert.Zero(t, p.Stats().Published)
}

func TestHasScheme(t *testing.T) {
	assert.True(t, hasScheme("tcp://broker:1883"))
	assert.True(t, hasScheme("ssl://broker:8883"))
	assert.False(t, hasScheme("broker:1883"))
}
