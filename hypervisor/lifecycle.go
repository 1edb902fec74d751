package hypervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// AssetState is an asset's lifecycle state.
type AssetState string

// Lifecycle states
const (
	StateOnline  AssetState = "online"
	StateStale   AssetState = "stale"
	StateOffline AssetState = "offline"
)

// AssetStatus is the tracked state of one asset.
type AssetStatus struct {
	AssetID     string          `json:"asset_id"`
	State       AssetState      `json:"state"`
	LastSeenMs  int64           `json:"last_seen_ms"`
	FirstSeenMs int64           `json:"first_seen_ms"`
	ChangedMs   int64           `json:"changed_ms"`
	Topics      map[string]bool `json:"topics,omitempty"`
}

// LifecycleEvent is published on each state transition.
type LifecycleEvent struct {
	State             AssetState `json:"state"`
	PreviousState     AssetState `json:"previous_state"`
	AssetID           string     `json:"asset_id"`
	Timestamp         int64      `json:"timestamp"`
	StaleDurationSecs int64      `json:"stale_duration_seconds"`
}

// RetainedCleaner clears retained topics when an asset goes offline.
type RetainedCleaner interface {
	ClearTopic(topic string) error
}

// DeviceReaper publishes DDEATH when an asset goes offline.
type DeviceReaper interface {
	DeviceDeath(device string) error
}

// LifecycleTracker maintains per-asset online/stale/offline state on a
// one-second scan.
type LifecycleTracker struct {
	cfg     config.LifecycleConfig
	table   *state.Table
	client  broker.Publisher
	cleaner RetainedCleaner
	reaper  func(assetID string)
	metrics *metric.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	assets map[string]*AssetStatus
}

// NewLifecycleTracker loads persisted asset states.
func NewLifecycleTracker(
	cfg config.LifecycleConfig,
	table *state.Table,
	client broker.Publisher,
	metrics *metric.Metrics,
	logger *slog.Logger,
) (*LifecycleTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &LifecycleTracker{
		cfg:     cfg,
		table:   table,
		client:  client,
		metrics: metrics,
		logger:  logger,
		assets:  make(map[string]*AssetStatus),
	}

	if table != nil {
		err := table.ForEach(func(assetID string, value []byte) error {
			var status AssetStatus
			if err := json.Unmarshal(value, &status); err == nil {
				t.assets[assetID] = &status
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetRetainedCleaner wires the retained-state clear used on Offline.
func (t *LifecycleTracker) SetRetainedCleaner(c RetainedCleaner) {
	t.cleaner = c
}

// SetOfflineObserver wires a callback invoked when an asset goes
// offline (the orchestrator publishes the device's DDEATH there).
func (t *LifecycleTracker) SetOfflineObserver(fn func(assetID string)) {
	t.reaper = fn
}

// MarkSeen records a publish for an asset, transitioning it Online.
func (t *LifecycleTracker) MarkSeen(assetID, topic string) {
	if !t.cfg.Enabled {
		return
	}
	now := timestamp.Now()

	t.mu.Lock()
	status, ok := t.assets[assetID]
	if !ok {
		status = &AssetStatus{
			AssetID:     assetID,
			State:       StateOnline,
			FirstSeenMs: now,
			ChangedMs:   now,
			Topics:      make(map[string]bool),
		}
		t.assets[assetID] = status
	}
	previous := status.State
	status.LastSeenMs = now
	if topic != "" {
		if status.Topics == nil {
			status.Topics = make(map[string]bool)
		}
		status.Topics[topic] = true
	}
	transitioned := previous != StateOnline || !ok
	if transitioned {
		status.State = StateOnline
		status.ChangedMs = now
	}
	snapshot := *status
	t.mu.Unlock()

	t.persist(&snapshot)
	if transitioned {
		if !ok {
			previous = StateOffline
		}
		t.publishEvent(assetID, previous, StateOnline, 0)
	}
	t.gauge()
}

// Scan applies the stale/offline thresholds once. The returned events
// were published.
func (t *LifecycleTracker) Scan() []LifecycleEvent {
	if !t.cfg.Enabled {
		return nil
	}

	now := timestamp.Now()
	staleMs := int64(t.cfg.StaleThresholdSeconds * 1000)
	var events []LifecycleEvent
	var offlined []*AssetStatus
	var dirty []*AssetStatus

	t.mu.Lock()
	for _, status := range t.assets {
		age := now - status.LastSeenMs
		switch status.State {
		case StateOnline:
			if age > staleMs {
				status.State = StateStale
				status.ChangedMs = now
				events = append(events, LifecycleEvent{
					State: StateStale, PreviousState: StateOnline,
					AssetID: status.AssetID, Timestamp: now,
					StaleDurationSecs: age / 1000,
				})
				snapshot := *status
				dirty = append(dirty, &snapshot)
			}
		case StateStale:
			if age > 3*staleMs {
				status.State = StateOffline
				status.ChangedMs = now
				events = append(events, LifecycleEvent{
					State: StateOffline, PreviousState: StateStale,
					AssetID: status.AssetID, Timestamp: now,
					StaleDurationSecs: age / 1000,
				})
				snapshot := *status
				offlined = append(offlined, &snapshot)
				dirty = append(dirty, &snapshot)
			}
		}
	}
	t.mu.Unlock()

	for _, status := range dirty {
		t.persist(status)
	}
	for _, ev := range events {
		t.emit(ev)
	}
	for _, status := range offlined {
		t.handleOffline(status)
	}
	t.gauge()
	return events
}

// Run drives Scan on a one-second tick until the context is cancelled.
func (t *LifecycleTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Scan()
		}
	}
}

// Status returns the tracked status of an asset.
func (t *LifecycleTracker) Status(assetID string) (AssetStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.assets[assetID]
	if !ok {
		return AssetStatus{}, false
	}
	return *status, true
}

// Counts returns the number of assets per state.
func (t *LifecycleTracker) Counts() (online, stale, offline int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.assets {
		switch s.State {
		case StateOnline:
			online++
		case StateStale:
			stale++
		case StateOffline:
			offline++
		}
	}
	return online, stale, offline
}

func (t *LifecycleTracker) handleOffline(status *AssetStatus) {
	if t.reaper != nil {
		t.reaper(status.AssetID)
	}
	if t.cfg.ClearRetainedOnOffline && t.cleaner != nil {
		for topic := range status.Topics {
			if err := t.cleaner.ClearTopic(topic); err != nil {
				t.logger.Warn("retained clear failed", "topic", topic, "error", err)
			}
		}
	}
}

func (t *LifecycleTracker) publishEvent(assetID string, previous, current AssetState, staleSecs int64) {
	t.emit(LifecycleEvent{
		State:             current,
		PreviousState:     previous,
		AssetID:           assetID,
		Timestamp:         timestamp.Now(),
		StaleDurationSecs: staleSecs,
	})
}

func (t *LifecycleTracker) emit(ev LifecycleEvent) {
	if t.metrics != nil {
		t.metrics.LifecycleTransitionsTotal.WithLabelValues(string(ev.State)).Inc()
	}
	t.logger.Info("asset lifecycle transition",
		"asset_id", ev.AssetID,
		"state", ev.State,
		"previous_state", ev.PreviousState)

	if t.client == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := mapping.LifecycleTopic(ev.AssetID)
	if err := t.client.Publish(topic, payload, 0, false); err != nil {
		t.logger.Warn("lifecycle event publish failed", "topic", topic, "error", err)
	}
}

func (t *LifecycleTracker) persist(status *AssetStatus) {
	if t.table == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := t.table.Put(status.AssetID, data); err != nil {
		t.logger.Warn("lifecycle persist failed", "asset_id", status.AssetID, "error", err)
	}
}

func (t *LifecycleTracker) gauge() {
	if t.metrics == nil {
		return
	}
	t.mu.Lock()
	n := len(t.assets)
	t.mu.Unlock()
	t.metrics.AssetsTracked.Set(float64(n))
}
