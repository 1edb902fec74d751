package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c/d", true},
		{"#", "anything/at/all", true},
		{"+/+/+/+/+/context/#", "Ent/Site/Area/Line/Asset/context/TechData/Serial/cmd", true},
		{"+/+/+/+/+/context/#", "Ent/Site/Area/Line/context/TechData", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic),
			"filter=%q topic=%q", tt.filter, tt.topic)
	}
}

func TestFakeRecordsAndRoutes(t *testing.T) {
	f := NewFake()

	var received []string
	require.NoError(t, f.Subscribe("spBv1.0/AAS/NCMD/#", 0, func(topic string, _ []byte) {
		received = append(received, topic)
	}))

	require.NoError(t, f.Publish("spBv1.0/AAS/NCMD/Bridge", []byte("x"), 0, false))
	require.NoError(t, f.Publish("other/topic", []byte("y"), 1, true))

	assert.Equal(t, []string{"spBv1.0/AAS/NCMD/Bridge"}, received)

	msgs := f.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Retain)
	assert.Equal(t, byte(1), msgs[1].QoS)

	f.Inject("spBv1.0/AAS/NCMD/Bridge", []byte("cmd"))
	assert.Len(t, received, 2)
	assert.Len(t, f.Messages(), 2) // Inject does not record
}

func TestFakeFailPublishes(t *testing.T) {
	f := NewFake()
	f.FailPublishes(true)
	err := f.Publish("t", nil, 0, false)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	f.FailPublishes(false)
	assert.NoError(t, f.Publish("t", nil, 0, false))
}

func TestClientLifecycleWithoutBroker(t *testing.T) {
	c := NewClient("tcp://127.0.0.1:1", "test-client", WithConnectTimeout(1))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsConnected())

	// Publishing without a session is a transient error.
	err := c.Publish("t", nil, 0, false)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	err = c.Subscribe("t", 0, func(string, []byte) {})
	require.Error(t, err)

	c.SetWill(Will{Topic: "spBv1.0/AAS/NDEATH/Bridge", Payload: []byte{1}})
	c.Disconnect(0) // no-op when not connected
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
}
