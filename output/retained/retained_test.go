package retained

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/state"
)

type staticResolver struct{ hash string }

func (s staticResolver) PointerFor(aas.LeafRecord) (string, bool) {
	return s.hash, s.hash != ""
}

func newTestPublisher(t *testing.T, cfg Config, contexts ContextResolver) (*Publisher, *broker.Fake) {
	t.Helper()

	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hashes, err := state.NewHashDB(store, 0)
	require.NoError(t, err)

	doc := &mapping.Document{Default: mapping.Level{
		Enterprise: "Ent", Site: "Site", Area: "Area", Line: "Line",
	}}
	fake := broker.NewFake()
	pub := New(cfg, fake, &mapping.TopicBuilder{}, mapping.NewResolver(doc), hashes, contexts, nil, nil)
	return pub, fake
}

func record(value aas.Value, ts int64) aas.LeafRecord {
	return aas.LeafRecord{
		AssetURI:        "https://example.com/assets/Asset",
		SubmodelID:      "sm",
		SubmodelIDShort: "TechData",
		Path:            []string{"Temp"},
		Kind:            aas.LeafProperty,
		Value:           value,
		ValueType:       "xs:double",
		SemanticID:      "0173-1#02-AAO677#002",
		Unit:            "degC",
		SourceTimestamp: ts,
		OriginURI:       "file:///demo.aasx",
	}
}

func TestPublishInlinePayload(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, QoS: 1, Retain: true, PayloadMode: ModeInline, Deduplicate: true,
	}, nil)

	published, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)
	assert.True(t, published)

	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ent/Site/Area/Line/Asset/context/TechData/Temp", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, byte(1), msgs[0].QoS)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &body))
	assert.Equal(t, 25.5, body["value"])
	assert.Equal(t, float64(1000), body["timestamp"])
	assert.Equal(t, "0173-1#02-AAO677#002", body["semanticId"])
	assert.Equal(t, "degC", body["unit"])
	assert.Equal(t, Source, body["source"])
	assert.Equal(t, "file:///demo.aasx", body["originUri"])
}

func TestDeduplicateSkipsUnchangedValue(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, Retain: true, PayloadMode: ModeInline, Deduplicate: true,
	}, nil)

	published, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)
	assert.True(t, published)

	// Same value, new traversal timestamp: deduplicated.
	published, err = pub.PublishRecord(record(aas.Float(25.5), 2000))
	require.NoError(t, err)
	assert.False(t, published)
	assert.Len(t, fake.Messages(), 1)
	assert.Equal(t, int64(1), pub.Skipped())

	// Changed value publishes again.
	published, err = pub.PublishRecord(record(aas.Float(26.0), 3000))
	require.NoError(t, err)
	assert.True(t, published)
	assert.Len(t, fake.Messages(), 2)
}

func TestDedupeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	doc := &mapping.Document{Default: mapping.Level{Enterprise: "Ent", Site: "S", Area: "A", Line: "L"}}
	cfg := Config{Enabled: true, Retain: true, PayloadMode: ModeInline, Deduplicate: true}

	store, err := state.Open(dir)
	require.NoError(t, err)
	hashes, err := state.NewHashDB(store, 0)
	require.NoError(t, err)
	fake := broker.NewFake()
	pub := New(cfg, fake, &mapping.TopicBuilder{}, mapping.NewResolver(doc), hashes, nil, nil, nil)

	published, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)
	assert.True(t, published)
	require.NoError(t, store.Close())

	// Restart with unchanged content: full dedupe, zero publishes.
	store, err = state.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	hashes, err = state.NewHashDB(store, 0)
	require.NoError(t, err)
	fake2 := broker.NewFake()
	pub = New(cfg, fake2, &mapping.TopicBuilder{}, mapping.NewResolver(doc), hashes, nil, nil, nil)

	published, err = pub.PublishRecord(record(aas.Float(25.5), 9999))
	require.NoError(t, err)
	assert.False(t, published)
	assert.Empty(t, fake2.Messages())
}

func TestPointerMode(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, Retain: true, PayloadMode: ModePointer, Deduplicate: true,
	}, staticResolver{hash: "a1b2c3d4e5f67890"})

	_, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fake.Messages()[0].Payload, &body))
	assert.Equal(t, "a1b2c3d4e5f67890", body["ctx"])
	assert.NotContains(t, body, "semanticId")
	assert.NotContains(t, body, "unit")
}

func TestPointerModeFallsBackInline(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, Retain: true, PayloadMode: ModePointer, Deduplicate: true,
	}, staticResolver{hash: ""})

	_, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fake.Messages()[0].Payload, &body))
	assert.Contains(t, body, "semanticId")
}

func TestHybridModeCarriesBoth(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, Retain: true, PayloadMode: ModeHybrid, Deduplicate: true,
	}, staticResolver{hash: "ffff000011112222"})

	_, err := pub.PublishRecord(record(aas.Float(25.5), 1000))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(fake.Messages()[0].Payload, &body))
	assert.Equal(t, "ffff000011112222", body["ctx"])
	assert.Equal(t, "degC", body["unit"])
}

func TestDisabledPublishesNothing(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{Enabled: false}, nil)
	published, err := pub.PublishRecord(record(aas.Float(1), 1))
	require.NoError(t, err)
	assert.False(t, published)
	assert.Empty(t, fake.Messages())
}

func TestUserProperties(t *testing.T) {
	pub, _ := newTestPublisher(t, Config{
		Enabled: true, PayloadMode: ModeInline, UseUserProperties: true,
	}, nil)

	props := pub.UserProperties(record(aas.Float(25.5), 1))
	assert.Equal(t, "0173-1#02-AAO677#002", props[PropSemanticID])
	assert.Equal(t, "degC", props[PropUnit])
	assert.Equal(t, "xs:double", props[PropValueType])

	pub2, _ := newTestPublisher(t, Config{Enabled: true, PayloadMode: ModeInline}, nil)
	assert.Nil(t, pub2.UserProperties(record(aas.Float(25.5), 1)))
}

func TestClearTopic(t *testing.T) {
	pub, fake := newTestPublisher(t, Config{
		Enabled: true, Retain: true, PayloadMode: ModeInline, Deduplicate: true,
	}, nil)

	rec := record(aas.Float(25.5), 1000)
	_, err := pub.PublishRecord(rec)
	require.NoError(t, err)

	topic := pub.TopicFor(rec)
	require.NoError(t, pub.ClearTopic(topic))

	msgs := fake.MessagesOn(topic)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Payload)
	assert.True(t, msgs[1].Retain)
}
