package mqttbroker

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobell/edge/internal/logging"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(logging.Discard())
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connect(t *testing.T, b *Broker, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr()).
		SetClientID(id).
		SetCleanSession(true).
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"#", "a", true},
		{"neobell/sbc/+/logs/submit", "neobell/sbc/sbc1/logs/submit", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestQoS1RoundTrip(t *testing.T) {
	b := startBroker(t)

	var (
		mu   sync.Mutex
		seen []Message
	)
	b.SetPublishHandler(func(_ context.Context, m Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})

	sub := connect(t, b, "subscriber")
	got := make(chan mqtt.Message, 1)
	tok := sub.Subscribe("neobell/sbc/+/permissions/response", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())

	pub := connect(t, b, "publisher")
	ptok := pub.Publish("neobell/sbc/sbc1/permissions/response", 1, false, []byte(`{"permission_exists":true}`))
	require.True(t, ptok.WaitTimeout(2*time.Second))
	require.NoError(t, ptok.Error())

	select {
	case m := <-got:
		assert.Equal(t, byte(1), m.Qos())
		assert.JSONEq(t, `{"permission_exists":true}`, string(m.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "publisher", seen[0].ClientID)
	assert.Equal(t, byte(1), seen[0].QoS)
}

func TestBrokerPublishDowngradesToGrantedQoS(t *testing.T) {
	b := startBroker(t)
	sub := connect(t, b, "sub0")
	got := make(chan mqtt.Message, 1)
	tok := sub.Subscribe("x/y", 0, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(2*time.Second))

	require.NoError(t, b.Publish("x/y", []byte("hi"), 1))
	select {
	case m := <-got:
		assert.Equal(t, byte(0), m.Qos())
		assert.Equal(t, "hi", string(m.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Error(t, b.Publish("x/y", nil, 2))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startBroker(t)
	sub := connect(t, b, "sub")
	got := make(chan mqtt.Message, 4)
	require.True(t, sub.Subscribe("t", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m }).WaitTimeout(2*time.Second))
	require.True(t, sub.Unsubscribe("t").WaitTimeout(2*time.Second))

	require.NoError(t, b.Publish("t", []byte("late"), 1))
	select {
	case <-got:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(logging.Discard())
	errCh, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	assert.NotEmpty(t, b.Addr())
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	_, open := <-errCh
	assert.False(t, open)
}
