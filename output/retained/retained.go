// Package retained publishes leaf records to the retained-state plane:
// per-property topics carrying the latest value, deduplicated by content
// hash so unchanged values never republish.
package retained

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// Payload modes
const (
	ModeInline  = "inline"
	ModePointer = "pointer"
	ModeHybrid  = "hybrid"
)

// Source identifies this daemon in payloads.
const Source = "aas-uns-bridge"

// User-property keys attached in enriched mode (MQTT v5 transports).
const (
	PropSemanticID = "aas:semanticId"
	PropUnit       = "aas:unit"
	PropValueType  = "aas:valueType"
	PropSource     = "aas:source"
	PropPointer    = "aas:ptr"
)

// ContextResolver supplies the pointer-mode context hash for a record
// and performs the context-topic publish side effect on first use.
type ContextResolver interface {
	PointerFor(rec aas.LeafRecord) (hash string, ok bool)
}

// Config holds retained-publisher settings.
type Config struct {
	Enabled           bool
	QoS               byte
	Retain            bool
	PayloadMode       string
	UseUserProperties bool
	Deduplicate       bool
}

// Publisher composes, deduplicates and publishes retained payloads.
type Publisher struct {
	cfg      Config
	client   broker.Publisher
	topics   *mapping.TopicBuilder
	resolver *mapping.Resolver
	hashes   *state.HashDB
	contexts ContextResolver
	metrics  *metric.Metrics
	logger   *slog.Logger

	published atomic.Int64
	skipped   atomic.Int64
}

// New creates a retained publisher. contexts may be nil when pointer
// mode is off; metrics may be nil in tests.
func New(
	cfg Config,
	client broker.Publisher,
	topics *mapping.TopicBuilder,
	resolver *mapping.Resolver,
	hashes *state.HashDB,
	contexts ContextResolver,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		client:   client,
		topics:   topics,
		resolver: resolver,
		hashes:   hashes,
		contexts: contexts,
		metrics:  metrics,
		logger:   logger,
	}
}

// inlinePayload keeps a stable field order for human diffing.
type inlinePayload struct {
	Value      any     `json:"value"`
	Timestamp  int64   `json:"timestamp"`
	SemanticID *string `json:"semanticId"`
	Unit       *string `json:"unit"`
	Source     string  `json:"source"`
	OriginURI  string  `json:"originUri"`
	Ctx        string  `json:"ctx,omitempty"`
}

type pointerPayload struct {
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Ctx       string `json:"ctx"`
}

// PublishRecord publishes one leaf record unless its payload is
// unchanged. Returns true when a publish happened.
func (p *Publisher) PublishRecord(rec aas.LeafRecord) (bool, error) {
	if !p.cfg.Enabled {
		return false, nil
	}

	addr := p.resolver.Resolve(rec.AssetURI)
	topic := p.topics.Build(addr, rec)

	payload, dedupeKey, err := p.composePayload(rec)
	if err != nil {
		return false, errors.WrapInvalid(err, "Publisher", "PublishRecord", "compose payload")
	}

	contentHash := xxhash.Sum64(dedupeKey)
	if p.cfg.Deduplicate {
		stored, ok, err := p.hashes.Get(topic)
		if err != nil {
			return false, err
		}
		if ok && stored == contentHash {
			p.skipped.Add(1)
			if p.metrics != nil {
				p.metrics.UNSDeduplicatedTotal.Inc()
			}
			return false, nil
		}
	}

	if err := p.client.Publish(topic, payload, p.cfg.QoS, p.cfg.Retain); err != nil {
		return false, err
	}
	if err := p.hashes.Update(topic, contentHash); err != nil {
		return false, err
	}

	p.published.Add(1)
	if p.metrics != nil {
		p.metrics.UNSPublishedTotal.Inc()
		p.metrics.LastPublishTimestamp.Set(float64(time.Now().Unix()))
	}
	p.logger.Debug("published retained metric",
		"topic", topic,
		"mode", p.cfg.PayloadMode)
	return true, nil
}

// composePayload returns the wire payload and the canonical bytes used
// for deduplication. The timestamp is excluded from the dedupe view so
// re-traversals of unchanged content do not defeat the hash check.
func (p *Publisher) composePayload(rec aas.LeafRecord) (payload, dedupeKey []byte, err error) {
	ctxHash := ""
	if (p.cfg.PayloadMode == ModePointer || p.cfg.PayloadMode == ModeHybrid) && p.contexts != nil {
		if h, ok := p.contexts.PointerFor(rec); ok {
			ctxHash = h
		}
	}

	switch {
	case p.cfg.PayloadMode == ModePointer && ctxHash != "":
		body := pointerPayload{
			Value:     rec.Value.Interface(),
			Timestamp: rec.SourceTimestamp,
			Ctx:       ctxHash,
		}
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		body.Timestamp = 0
		dedupeKey, err = json.Marshal(body)
		return payload, dedupeKey, err

	default:
		// Inline, hybrid (inline plus ctx), and pointer fallback when
		// the record has no semantic context to point at.
		body := inlinePayload{
			Value:      rec.Value.Interface(),
			Timestamp:  rec.SourceTimestamp,
			SemanticID: optional(rec.SemanticID),
			Unit:       optional(rec.Unit),
			Source:     Source,
			OriginURI:  rec.OriginURI,
		}
		if p.cfg.PayloadMode == ModeHybrid {
			body.Ctx = ctxHash
		}
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		body.Timestamp = 0
		dedupeKey, err = json.Marshal(body)
		return payload, dedupeKey, err
	}
}

// UserProperties returns the enriched-mode key/value headers for a
// record. They ride as MQTT v5 user properties when the transport
// supports that protocol version.
func (p *Publisher) UserProperties(rec aas.LeafRecord) map[string]string {
	if !p.cfg.UseUserProperties {
		return nil
	}

	props := make(map[string]string)
	if p.cfg.PayloadMode != ModeInline && p.contexts != nil {
		if h, ok := p.contexts.PointerFor(rec); ok {
			props[PropPointer] = h
			return props
		}
	}
	if rec.SemanticID != "" {
		props[PropSemanticID] = rec.SemanticID
	}
	if rec.Unit != "" {
		props[PropUnit] = rec.Unit
	}
	if rec.ValueType != "" {
		props[PropValueType] = rec.ValueType
	}
	props[PropSource] = rec.OriginURI
	return props
}

// ClearTopic publishes an empty retained payload, removing the topic's
// retained state on the broker.
func (p *Publisher) ClearTopic(topic string) error {
	if err := p.client.Publish(topic, nil, p.cfg.QoS, true); err != nil {
		return err
	}
	return p.hashes.Update(topic, xxhash.Sum64(nil))
}

// TopicFor exposes topic composition for observers (lifecycle tracking).
func (p *Publisher) TopicFor(rec aas.LeafRecord) string {
	return p.topics.Build(p.resolver.Resolve(rec.AssetURI), rec)
}

// Published returns the number of publishes since start.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Skipped returns the number of deduplicated skips since start.
func (p *Publisher) Skipped() int64 { return p.skipped.Load() }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
