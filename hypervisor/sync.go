package hypervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/retry"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
)

// Nack error codes on the wire.
const (
	NackDenied      = "denied"
	NackInvalid     = "invalid"
	NackWriteFailed = "write_failed"
)

// RepositoryWriter writes a property value back to the AAS source of
// record.
type RepositoryWriter interface {
	UpdateProperty(ctx context.Context, submodelID, propertyPath string, value aas.Value) error
}

// Command is one parsed write command.
type Command struct {
	Topic         string
	AssetURI      string
	SubmodelID    string
	SubmodelShort string
	Path          []string
	Value         aas.Value
	Timestamp     int64
	CorrelationID string
}

type commandEnvelope struct {
	Value         aas.Value `json:"value"`
	Timestamp     int64     `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

type ackEnvelope struct {
	Ack           bool   `json:"ack"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// Bidirectional mediates broker-originated writes into the AAS
// repository: pattern authorization, optional re-validation, per-path
// serialization and ack/nack publication.
type Bidirectional struct {
	cfg       config.BidirectionalConfig
	topics    *mapping.TopicBuilder
	resolver  *mapping.Resolver
	client    broker.Publisher
	repo      RepositoryWriter
	validator *Validator
	retryCfg  retry.Config
	metrics   *metric.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queues    map[string]chan Command
	submodels map[string]string         // sanitized idShort -> submodel ID
	observed  map[string]aas.LeafRecord // command key -> last pipeline record
}

// NewBidirectional creates the command handler. validator may be nil to
// skip pre-write validation regardless of configuration.
func NewBidirectional(
	cfg config.BidirectionalConfig,
	topics *mapping.TopicBuilder,
	resolver *mapping.Resolver,
	client broker.Publisher,
	repo RepositoryWriter,
	validator *Validator,
	retryCfg retry.Config,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Bidirectional {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bidirectional{
		cfg:       cfg,
		topics:    topics,
		resolver:  resolver,
		client:    client,
		repo:      repo,
		validator: validator,
		retryCfg:  retryCfg,
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string]chan Command),
		submodels: make(map[string]string),
		observed:  make(map[string]aas.LeafRecord),
	}
}

// Start subscribes to the command topic space.
func (b *Bidirectional) Start() error {
	if !b.cfg.Enabled {
		return nil
	}
	filter := b.topics.CommandSubscription()
	if err := b.client.Subscribe(filter, 1, b.handleMessage); err != nil {
		return errors.WrapTransient(err, "Bidirectional", "Start", filter)
	}
	b.logger.Info("subscribed to command topics", "filter", filter)
	return nil
}

// Stop cancels in-flight commands and waits for workers to drain.
func (b *Bidirectional) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Observe lets the command path learn submodel identities and the
// latest semantic context per path from the publish pipeline.
func (b *Bidirectional) Observe(rec aas.LeafRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submodels[mapping.SanitizeSegment(rec.SubmodelIDShort)] = rec.SubmodelID
	b.observed[commandKey(rec.AssetURI, rec.SubmodelID, rec.Path)] = rec
}

func commandKey(assetURI, submodelID string, path []string) string {
	return assetURI + "\x00" + submodelID + "\x00" + strings.Join(path, "/")
}

func (b *Bidirectional) handleMessage(topic string, payload []byte) {
	parsed, err := b.topics.Parse(topic)
	if err != nil || !parsed.Command {
		// Acks and data topics share the wildcard; ignore them.
		return
	}

	var envelope commandEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.logger.Warn("undecodable command payload", "topic", topic, "error", err)
		b.countError("command_invalid")
		return
	}
	if envelope.CorrelationID == "" {
		// Commands are tracked end-to-end; stamp one when the sender
		// did not.
		envelope.CorrelationID = uuid.NewString()
	}

	b.mu.Lock()
	submodelID, ok := b.submodels[parsed.Submodel]
	if !ok {
		submodelID = parsed.Submodel
	}
	b.mu.Unlock()

	assetURI := ""
	if uri, ok := b.resolver.AssetURIFor(parsed.Address); ok {
		assetURI = uri
	}

	cmd := Command{
		Topic:         topic,
		AssetURI:      assetURI,
		SubmodelID:    submodelID,
		SubmodelShort: parsed.Submodel,
		Path:          parsed.Path,
		Value:         envelope.Value,
		Timestamp:     envelope.Timestamp,
		CorrelationID: envelope.CorrelationID,
	}

	b.enqueue(cmd)
}

// enqueue serializes commands per (asset, submodel, path) in arrival
// order; distinct paths proceed in parallel.
func (b *Bidirectional) enqueue(cmd Command) {
	key := commandKey(cmd.AssetURI, cmd.SubmodelID, cmd.Path)

	b.mu.Lock()
	queue, ok := b.queues[key]
	if !ok {
		queue = make(chan Command, 16)
		b.queues[key] = queue
		b.wg.Add(1)
		go b.worker(queue)
	}
	b.mu.Unlock()

	select {
	case queue <- cmd:
	default:
		b.logger.Warn("command queue full, dropping", "topic", cmd.Topic)
		b.nack(cmd, NackWriteFailed)
	}
}

func (b *Bidirectional) worker(queue chan Command) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-queue:
			b.process(cmd)
		}
	}
}

func (b *Bidirectional) process(cmd Command) {
	patternPath := patternTarget(cmd)

	// Deny rules win over allow rules.
	for _, pattern := range b.cfg.DeniedWritePatterns {
		if mapping.GlobMatch(pattern, patternPath) {
			b.logger.Info("command denied", "topic", cmd.Topic, "pattern", pattern)
			b.countResult("denied")
			b.nack(cmd, NackDenied)
			return
		}
	}

	allowed := false
	for _, pattern := range b.cfg.AllowedWritePatterns {
		if mapping.GlobMatch(pattern, patternPath) {
			allowed = true
			break
		}
	}
	if !allowed {
		b.logger.Info("command outside allowed patterns", "topic", cmd.Topic)
		b.countResult("denied")
		b.nack(cmd, NackDenied)
		return
	}

	if b.cfg.ValidateBeforeWrite && b.validator != nil {
		rec := b.recordForValidation(cmd)
		result := b.validator.Validate(rec)
		if result.Outcome == Reject {
			b.countResult("invalid")
			b.nack(cmd, NackInvalid)
			return
		}
	}

	err := retry.Do(b.ctx, b.retryCfg, func() error {
		return b.repo.UpdateProperty(b.ctx, cmd.SubmodelID, strings.Join(cmd.Path, "."), cmd.Value)
	})
	if err != nil {
		b.logger.Error("repository write failed", "topic", cmd.Topic, "error", err)
		b.countResult("write_failed")
		b.nack(cmd, NackWriteFailed)
		return
	}

	b.countResult("success")
	b.ack(cmd)
	b.logger.Info("command written",
		"submodel_id", cmd.SubmodelID,
		"path", strings.Join(cmd.Path, "/"),
		"correlation_id", cmd.CorrelationID)
}

// recordForValidation rebuilds a leaf record for rule evaluation, using
// the last observed pipeline record for semantic context when present.
func (b *Bidirectional) recordForValidation(cmd Command) aas.LeafRecord {
	b.mu.Lock()
	rec, ok := b.observed[commandKey(cmd.AssetURI, cmd.SubmodelID, cmd.Path)]
	b.mu.Unlock()

	if !ok {
		rec = aas.LeafRecord{
			AssetURI:   cmd.AssetURI,
			SubmodelID: cmd.SubmodelID,
			Path:       cmd.Path,
			Kind:       aas.LeafProperty,
		}
	}
	rec.Value = cmd.Value
	return rec
}

func (b *Bidirectional) ack(cmd Command) {
	b.publishResponse(cmd, ackEnvelope{
		Ack:           true,
		CorrelationID: cmd.CorrelationID,
		Timestamp:     timestamp.Now(),
	})
}

func (b *Bidirectional) nack(cmd Command, code string) {
	b.publishResponse(cmd, ackEnvelope{
		Ack:           false,
		Error:         code,
		CorrelationID: cmd.CorrelationID,
		Timestamp:     timestamp.Now(),
	})
}

func (b *Bidirectional) publishResponse(cmd Command, envelope ackEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	topic := mapping.AckTopic(cmd.Topic)
	if err := b.client.Publish(topic, payload, 1, false); err != nil {
		b.logger.Warn("ack publish failed", "topic", topic, "error", err)
	}
}

// patternTarget is the string allow/deny patterns match against:
// "{submodelIdShort}/{path...}" as it appeared on the topic.
func patternTarget(cmd Command) string {
	return cmd.SubmodelShort + "/" + strings.Join(cmd.Path, "/")
}

func (b *Bidirectional) countResult(result string) {
	if b.metrics != nil {
		b.metrics.CommandWritesTotal.WithLabelValues(result).Inc()
	}
}

func (b *Bidirectional) countError(kind string) {
	if b.metrics != nil {
		b.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}
