package hypervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/cache"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// bridgeSource identifies this daemon in context bundles.
const bridgeSource = "aas-uns-bridge"

// ContextBundle is the metadata replaced by a pointer hash in
// pointer-mode payloads, distributed once on its own retained topic.
type ContextBundle struct {
	SemanticID string `json:"semanticId"`
	Unit       string `json:"unit"`
	Source     string `json:"source"`
	OriginURI  string `json:"originUri"`
}

// Hash returns the bundle's content address: 16 hex characters of its
// SHA-256.
func (b ContextBundle) Hash() string {
	canonical, _ := json.Marshal(b)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// PointerCache backs pointer/hybrid payload modes: an in-memory LRU over
// the persistent context dictionary, publishing each bundle to its
// context topic before the first payload references it.
type PointerCache struct {
	dictionary string
	lru        *cache.LRU[ContextBundle]
	table      *state.Table
	client     broker.Publisher
	metrics    *metric.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	published map[string]struct{}
}

// NewPointerCache creates the cache over the persistent dictionary
// table. client may be nil to disable the context-topic side effect.
func NewPointerCache(
	dictionary string,
	cacheSize int,
	table *state.Table,
	client broker.Publisher,
	metrics *metric.Metrics,
	logger *slog.Logger,
) (*PointerCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	lru, err := cache.NewLRU[ContextBundle](cacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &PointerCache{
		dictionary: dictionary,
		lru:        lru,
		table:      table,
		client:     client,
		metrics:    metrics,
		logger:     logger,
		published:  make(map[string]struct{}),
	}, nil
}

// PointerFor returns the context hash for a record, inserting and
// distributing the bundle on first sight. Records without a semantic ID
// have no context to point at.
func (c *PointerCache) PointerFor(rec aas.LeafRecord) (string, bool) {
	if rec.SemanticID == "" {
		return "", false
	}

	bundle := ContextBundle{
		SemanticID: rec.SemanticID,
		Unit:       rec.Unit,
		Source:     bridgeSource,
		OriginURI:  rec.OriginURI,
	}
	hash := bundle.Hash()

	if _, hit := c.lru.Get(hash); hit {
		c.ensurePublished(hash, bundle)
		return hash, true
	}

	c.lru.Set(hash, bundle)
	if c.metrics != nil {
		c.metrics.ContextCacheSize.Set(float64(c.lru.Len()))
	}

	if c.table != nil {
		data, _ := json.Marshal(bundle)
		if err := c.table.Put(hash, data); err != nil {
			c.logger.Warn("context dictionary write failed", "hash", hash, "error", err)
		}
	}

	c.ensurePublished(hash, bundle)
	return hash, true
}

// Lookup resolves a hash back to its bundle, falling through to the
// persistent dictionary on cache miss.
func (c *PointerCache) Lookup(hash string) (ContextBundle, bool) {
	if bundle, ok := c.lru.Get(hash); ok {
		return bundle, true
	}
	if c.table == nil {
		return ContextBundle{}, false
	}
	data, err := c.table.Get(hash)
	if err != nil {
		return ContextBundle{}, false
	}
	var bundle ContextBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return ContextBundle{}, false
	}
	c.lru.Set(hash, bundle)
	return bundle, true
}

// ensurePublished publishes the bundle to its context topic once per
// session.
func (c *PointerCache) ensurePublished(hash string, bundle ContextBundle) {
	if c.client == nil {
		return
	}

	c.mu.Lock()
	if _, done := c.published[hash]; done {
		c.mu.Unlock()
		return
	}
	c.published[hash] = struct{}{}
	c.mu.Unlock()

	payload, _ := json.Marshal(bundle)
	topic := mapping.ContextTopic(c.dictionary, hash)
	if err := c.client.Publish(topic, payload, 1, true); err != nil {
		c.logger.Warn("context publish failed", "topic", topic, "error", err)
		c.mu.Lock()
		delete(c.published, hash)
		c.mu.Unlock()
	}
}

// ResetSession clears the published-this-session set, so bundles are
// redistributed after a reconnect.
func (c *PointerCache) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = make(map[string]struct{})
}
