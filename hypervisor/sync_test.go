package hypervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/pkg/retry"
)

type fakeRepo struct {
	mu     sync.Mutex
	writes []repoWrite
	fail   int // fail this many calls before succeeding
}

type repoWrite struct {
	SubmodelID string
	Path       string
	Value      aas.Value
}

func (r *fakeRepo) UpdateProperty(_ context.Context, submodelID, path string, value aas.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.ErrWriteFailed
	}
	r.writes = append(r.writes, repoWrite{SubmodelID: submodelID, Path: path, Value: value})
	return nil
}

func (r *fakeRepo) Writes() []repoWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repoWrite(nil), r.writes...)
}

func newSync(t *testing.T, cfg config.BidirectionalConfig, repo RepositoryWriter) (*Bidirectional, *broker.Fake, *mapping.Resolver) {
	t.Helper()
	cfg.Enabled = true

	doc := &mapping.Document{Default: mapping.Level{Enterprise: "Ent", Site: "Site", Area: "Area", Line: "Line"}}
	resolver := mapping.NewResolver(doc)
	fake := broker.NewFake()

	retryCfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	b := NewBidirectional(cfg, &mapping.TopicBuilder{}, resolver, fake, repo, nil, retryCfg, nil, nil)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b, fake, resolver
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func commandPayload(value any, correlationID string) []byte {
	data, _ := json.Marshal(map[string]any{
		"value":          value,
		"timestamp":      1672574400000,
		"correlation_id": correlationID,
	})
	return data
}

func decodeAck(t *testing.T, fake *broker.Fake, topic string) ackEnvelope {
	t.Helper()
	var ack ackEnvelope
	waitFor(t, func() bool { return len(fake.MessagesOn(topic)) > 0 })
	msgs := fake.MessagesOn(topic)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &ack))
	return ack
}

func TestAllowedCommandWritesAndAcks(t *testing.T) {
	repo := &fakeRepo{}
	b, fake, resolver := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"Setpoints/*"},
		DeniedWritePatterns:  []string{"Identification/*"},
	}, repo)

	// The pipeline has seen this asset, so the reverse lookup works.
	resolver.Resolve("https://example.com/assets/Asset")
	b.Observe(aas.LeafRecord{
		AssetURI:        "https://example.com/assets/Asset",
		SubmodelID:      "sm-setpoints",
		SubmodelIDShort: "Setpoints",
		Path:            []string{"Target"},
	})

	cmdTopic := "Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd"
	fake.Inject(cmdTopic, commandPayload(75.5, "cmd-123"))

	waitFor(t, func() bool { return len(repo.Writes()) == 1 })
	write := repo.Writes()[0]
	assert.Equal(t, "sm-setpoints", write.SubmodelID)
	assert.Equal(t, "Target", write.Path)
	assert.True(t, write.Value.Equal(aas.Float(75.5)))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/Setpoints/Target")
	assert.True(t, ack.Ack)
	assert.Equal(t, "cmd-123", ack.CorrelationID)
	assert.NotZero(t, ack.Timestamp)
}

func TestDeniedCommandNacksWithoutWrite(t *testing.T) {
	repo := &fakeRepo{}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"*"},
		DeniedWritePatterns:  []string{"Identification/*"},
	}, repo)

	fake.Inject("Ent/Site/Area/Line/Asset/context/Identification/Serial/cmd",
		commandPayload("XX000000", "cmd-9"))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/Identification/Serial")
	assert.False(t, ack.Ack)
	assert.Equal(t, NackDenied, ack.Error)
	assert.Equal(t, "cmd-9", ack.CorrelationID)
	assert.Empty(t, repo.Writes())
}

func TestNoAllowMatchDenies(t *testing.T) {
	repo := &fakeRepo{}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"Setpoints/*"},
	}, repo)

	fake.Inject("Ent/Site/Area/Line/Asset/context/TechData/Temp/cmd", commandPayload(1, "c"))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/TechData/Temp")
	assert.False(t, ack.Ack)
	assert.Equal(t, NackDenied, ack.Error)
}

func TestWriteFailureRetriesThenNacks(t *testing.T) {
	repo := &fakeRepo{fail: 100}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"*"},
	}, repo)

	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd", commandPayload(1, "c1"))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/Setpoints/Target")
	assert.False(t, ack.Ack)
	assert.Equal(t, NackWriteFailed, ack.Error)
}

func TestWriteRetrySucceedsAfterTransientFailure(t *testing.T) {
	repo := &fakeRepo{fail: 1}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"*"},
	}, repo)

	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd", commandPayload(2, "c2"))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/Setpoints/Target")
	assert.True(t, ack.Ack)
	assert.Len(t, repo.Writes(), 1)
}

func TestValidationRejectNacksInvalid(t *testing.T) {
	repo := &fakeRepo{}
	cfg := config.BidirectionalConfig{
		Enabled:              true,
		AllowedWritePatterns: []string{"*"},
		ValidateBeforeWrite:  true,
	}

	validator := NewValidator(config.SemanticConfig{
		ValidationLevel: 2,
		RejectInvalid:   true,
		ValueConstraints: map[string]config.ValueConstraint{
			"sem-target": {Min: floatp(0), Max: floatp(100)},
		},
	}, nil, nil)

	doc := &mapping.Document{Default: mapping.Level{Enterprise: "Ent", Site: "Site", Area: "Area", Line: "Line"}}
	resolver := mapping.NewResolver(doc)
	fake := broker.NewFake()
	retryCfg := retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	b := NewBidirectional(cfg, &mapping.TopicBuilder{}, resolver, fake, repo, validator, retryCfg, nil, nil)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)

	resolver.Resolve("https://example.com/assets/Asset")
	b.Observe(aas.LeafRecord{
		AssetURI:        "https://example.com/assets/Asset",
		SubmodelID:      "sm-setpoints",
		SubmodelIDShort: "Setpoints",
		Path:            []string{"Target"},
		Kind:            aas.LeafProperty,
		SemanticID:      "sem-target",
	})

	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd", commandPayload(500.0, "too-big"))

	ack := decodeAck(t, fake, "Ent/Site/Area/Line/Asset/context/Setpoints/Target")
	assert.False(t, ack.Ack)
	assert.Equal(t, NackInvalid, ack.Error)
	assert.Empty(t, repo.Writes())

	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd", commandPayload(50.0, "ok"))
	waitFor(t, func() bool { return len(repo.Writes()) == 1 })
}

func TestCommandsForSamePathSerializeInOrder(t *testing.T) {
	repo := &fakeRepo{}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"*"},
	}, repo)

	for i := 0; i < 5; i++ {
		fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd",
			commandPayload(float64(i)+0.5, "seq"))
	}

	waitFor(t, func() bool { return len(repo.Writes()) == 5 })
	writes := repo.Writes()
	for i, w := range writes {
		assert.True(t, w.Value.Equal(aas.Float(float64(i)+0.5)), "write %d out of order", i)
	}
}

func TestMalformedCommandIgnored(t *testing.T) {
	repo := &fakeRepo{}
	_, fake, _ := newSync(t, config.BidirectionalConfig{
		AllowedWritePatterns: []string{"*"},
	}, repo)

	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target/cmd", []byte("{not json"))
	fake.Inject("Ent/Site/Area/Line/Asset/context/Setpoints/Target", []byte("{}")) // ack topic, not a command

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, repo.Writes())
}
