package hypervisor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/state"
)

func openTable(t *testing.T, name string) *state.Table {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	table, err := store.Table(name, 0)
	require.NoError(t, err)
	return table
}

func leafRec(path string, value aas.Value, valueType, semanticID string) aas.LeafRecord {
	return aas.LeafRecord{
		AssetURI:        "https://example.com/assets/press",
		SubmodelID:      "sm-techdata",
		SubmodelIDShort: "TechData",
		Path:            []string{path},
		Kind:            aas.LeafProperty,
		Value:           value,
		ValueType:       valueType,
		SemanticID:      semanticID,
		Unit:            "degC",
		OriginURI:       "file:///demo.aasx",
	}
}

func TestContextBundleHashStable(t *testing.T) {
	b := ContextBundle{SemanticID: "0173-1#02-AAO677#002", Unit: "degC", Source: "aas-uns-bridge", OriginURI: "file:///a"}
	h1 := b.Hash()
	h2 := b.Hash()
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)

	different := b
	different.Unit = "K"
	assert.NotEqual(t, h1, different.Hash())
}

func TestPointerCachePublishesContextOnce(t *testing.T) {
	fake := broker.NewFake()
	table := openTable(t, "ctx")
	pc, err := NewPointerCache("ECLASS", 16, table, fake, nil, nil)
	require.NoError(t, err)

	rec := leafRec("Temp", aas.Float(25.5), "xs:double", "0173-1#02-AAO677#002")

	hash, ok := pc.PointerFor(rec)
	require.True(t, ok)
	assert.Len(t, hash, 16)

	// Second reference: no new context publish.
	_, _ = pc.PointerFor(rec)
	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "UNS/Sys/Context/ECLASS/"+hash, msgs[0].Topic)
	assert.True(t, msgs[0].Retain)

	var bundle ContextBundle
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &bundle))
	assert.Equal(t, "0173-1#02-AAO677#002", bundle.SemanticID)
	assert.Equal(t, "degC", bundle.Unit)

	// After a session reset the bundle is redistributed.
	pc.ResetSession()
	_, _ = pc.PointerFor(rec)
	assert.Len(t, fake.Messages(), 2)
}

func TestPointerCacheNoSemanticID(t *testing.T) {
	pc, err := NewPointerCache("ECLASS", 16, nil, nil, nil, nil)
	require.NoError(t, err)

	_, ok := pc.PointerFor(leafRec("Temp", aas.Float(1), "xs:double", ""))
	assert.False(t, ok)
}

func TestPointerCacheLookupFallsThroughToTable(t *testing.T) {
	table := openTable(t, "ctx")
	pc, err := NewPointerCache("ECLASS", 16, table, nil, nil, nil)
	require.NoError(t, err)

	rec := leafRec("Temp", aas.Float(25.5), "xs:double", "0173-1#02-AAO677#002")
	hash, ok := pc.PointerFor(rec)
	require.True(t, ok)

	// Fresh cache over the same table resolves from persistence.
	pc2, err := NewPointerCache("ECLASS", 16, table, nil, nil, nil)
	require.NoError(t, err)
	bundle, ok := pc2.Lookup(hash)
	require.True(t, ok)
	assert.Equal(t, "0173-1#02-AAO677#002", bundle.SemanticID)

	_, ok = pc2.Lookup("0000000000000000")
	assert.False(t, ok)
}

func driftConfig() config.DriftConfig {
	return config.DriftConfig{
		Enabled: true,
		SeverityMap: map[string]string{
			DriftMetricAdded:   SeverityLow,
			DriftTypeChanged:   SeverityMedium,
			DriftMetricRemoved: SeverityHigh,
		},
		SeverityThresholds: map[string]float64{
			"low": 0.3, "medium": 0.5, "high": 0.7, "critical": 0.9,
		},
	}
}

func TestSchemaDriftDetection(t *testing.T) {
	fake := broker.NewFake()
	d, err := NewDriftDetector(driftConfig(), openTable(t, "drift"), fake, nil, nil)
	require.NoError(t, err)

	snapshot1 := []aas.LeafRecord{
		leafRec("Serial", aas.Text("AB123456"), "xs:string", ""),
		leafRec("Temp", aas.Float(25.5), "xs:double", ""),
	}
	events := d.ObserveSnapshot("asset1", snapshot1)
	assert.Empty(t, events) // first snapshot is the baseline

	snapshot2 := []aas.LeafRecord{
		leafRec("Serial", aas.Text("AB123456"), "xs:string", ""),
		leafRec("Temp", aas.Text("25.5"), "xs:string", ""), // type changed
		leafRec("Pressure", aas.Float(1.0), "xs:double", ""), // added
	}
	events = d.ObserveSnapshot("asset1", snapshot2)
	require.Len(t, events, 2)

	byType := map[string]DriftEvent{}
	for _, ev := range events {
		byType[ev.Type] = ev
	}
	assert.Equal(t, SeverityMedium, byType[DriftTypeChanged].Severity)
	assert.Equal(t, "TechData/Temp", byType[DriftTypeChanged].MetricPath)
	assert.Equal(t, "xs:double", byType[DriftTypeChanged].PreviousType)
	assert.Equal(t, SeverityLow, byType[DriftMetricAdded].Severity)

	snapshot3 := snapshot2[:2]
	events = d.ObserveSnapshot("asset1", snapshot3)
	require.Len(t, events, 1)
	assert.Equal(t, DriftMetricRemoved, events[0].Type)
	assert.Equal(t, SeverityHigh, events[0].Severity)

	// Alerts went out on the asset's drift topic.
	topic := "UNS/Sys/DriftAlerts/asset1"
	assert.Len(t, fake.MessagesOn(topic), 3)
}

func TestDriftFingerprintSurvivesRestart(t *testing.T) {
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	table, err := store.Table("drift", 0)
	require.NoError(t, err)

	d, err := NewDriftDetector(driftConfig(), table, nil, nil, nil)
	require.NoError(t, err)
	d.ObserveSnapshot("asset1", []aas.LeafRecord{leafRec("Temp", aas.Float(1), "xs:double", "")})

	// A new detector over the same table sees the baseline: an unchanged
	// snapshot raises nothing.
	d2, err := NewDriftDetector(driftConfig(), table, nil, nil, nil)
	require.NoError(t, err)
	events := d2.ObserveSnapshot("asset1", []aas.LeafRecord{leafRec("Temp", aas.Float(2), "xs:double", "")})
	assert.Empty(t, events)
}

func TestScoreSeverity(t *testing.T) {
	thresholds := map[string]float64{"low": 0.3, "medium": 0.5, "high": 0.7, "critical": 0.9}
	assert.Equal(t, SeverityLow, ScoreSeverity(thresholds, 0.4))
	assert.Equal(t, SeverityMedium, ScoreSeverity(thresholds, 0.6))
	assert.Equal(t, SeverityHigh, ScoreSeverity(thresholds, 0.8))
	assert.Equal(t, SeverityCritical, ScoreSeverity(thresholds, 0.95))
	assert.False(t, IsAnomalous(thresholds, 0.2))
	assert.True(t, IsAnomalous(thresholds, 0.35))
}

func TestStreamDetectorScoresOutliers(t *testing.T) {
	cfg := driftConfig()
	cfg.NumTrees = 10
	cfg.MaxDepth = 6
	cfg.WindowSize = 100

	s := NewStreamDetector(cfg, nil, 42, nil)

	// Feed a stable signal.
	for i := 0; i < 200; i++ {
		rec := leafRec("Temp", aas.Float(25.0+float64(i%3)), "xs:double", "sem")
		s.Observe("asset1", rec)
	}

	steadyScore, _ := s.Observe("asset1", leafRec("Temp", aas.Float(25.5), "xs:double", "sem"))
	outlierScore, _ := s.Observe("asset1", leafRec("Temp", aas.Float(5000), "xs:double", "sem"))
	assert.Greater(t, outlierScore, steadyScore)
}

func TestStreamDetectorIgnoresNonNumeric(t *testing.T) {
	s := NewStreamDetector(driftConfig(), nil, 1, nil)
	score, alerted := s.Observe("asset1", leafRec("Serial", aas.Text("AB"), "xs:string", ""))
	assert.Zero(t, score)
	assert.False(t, alerted)
}

func TestFidelityScoring(t *testing.T) {
	calc := NewFidelityCalculator(config.FidelityConfig{
		Enabled:        true,
		Weights:        map[string]float64{"structural": 0.3, "semantic": 0.5, "entropy": 0.2},
		AlertThreshold: 0.6,
	}, openTable(t, "fidelity"), nil, nil)

	perfect := []aas.LeafRecord{
		leafRec("Serial", aas.Text("AB123456"), "xs:string", "sem1"),
		leafRec("Temp", aas.Float(25.5), "xs:double", "sem2"),
	}
	report := calc.Evaluate("asset1", 2, perfect)
	assert.InDelta(t, 1.0, report.StructuralFidelity, 0.001)
	assert.InDelta(t, 1.0, report.SemanticFidelity, 0.001)
	assert.InDelta(t, 1.0, report.EntropyScore, 0.001)
	assert.InDelta(t, 1.0, report.OverallScore, 0.001)
	assert.Equal(t, "A+", report.Grade())
	assert.False(t, calc.ShouldAlert(report))

	// Half the leaves failed, none carry semantics, one value is null.
	poor := []aas.LeafRecord{
		leafRec("A", aas.Null(), "xs:string", ""),
		leafRec("B", aas.Float(1), "xs:double", ""),
	}
	report = calc.Evaluate("asset2", 4, poor)
	assert.InDelta(t, 0.5, report.StructuralFidelity, 0.001)
	assert.Less(t, report.OverallScore, 0.6)
	assert.True(t, calc.ShouldAlert(report))
	assert.NotEmpty(t, report.Recommendations)

	history, err := calc.History("asset2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.OverallScore, history[0].OverallScore)
}

func TestLifecycleTransitions(t *testing.T) {
	fake := broker.NewFake()
	tracker, err := NewLifecycleTracker(config.LifecycleConfig{
		Enabled:               true,
		StaleThresholdSeconds: 0.01, // 10ms for the test
	}, openTable(t, "life"), fake, nil, nil)
	require.NoError(t, err)

	tracker.MarkSeen("https://example.com/assets/press", "Ent/S/A/L/press/context/T/Temp")
	status, ok := tracker.Status("https://example.com/assets/press")
	require.True(t, ok)
	assert.Equal(t, StateOnline, status.State)

	// Force staleness by rewinding lastSeen.
	tracker.mu.Lock()
	tracker.assets["https://example.com/assets/press"].LastSeenMs -= 100
	tracker.mu.Unlock()

	events := tracker.Scan()
	require.Len(t, events, 1)
	assert.Equal(t, StateStale, events[0].State)
	assert.Equal(t, StateOnline, events[0].PreviousState)

	tracker.mu.Lock()
	tracker.assets["https://example.com/assets/press"].LastSeenMs -= 1000
	tracker.mu.Unlock()

	events = tracker.Scan()
	require.Len(t, events, 1)
	assert.Equal(t, StateOffline, events[0].State)

	// Data brings it back online.
	tracker.MarkSeen("https://example.com/assets/press", "")
	status, _ = tracker.Status("https://example.com/assets/press")
	assert.Equal(t, StateOnline, status.State)

	// Events were published on the lifecycle topic.
	topic := "UNS/Sys/Lifecycle/example.com_assets_press"
	assert.GreaterOrEqual(t, len(fake.MessagesOn(topic)), 3)
}

func TestLifecycleClearsRetainedOnOffline(t *testing.T) {
	fake := broker.NewFake()
	tracker, err := NewLifecycleTracker(config.LifecycleConfig{
		Enabled:                true,
		StaleThresholdSeconds:  0.01,
		ClearRetainedOnOffline: true,
	}, nil, fake, nil, nil)
	require.NoError(t, err)

	var cleared []string
	tracker.SetRetainedCleaner(clearFunc(func(topic string) error {
		cleared = append(cleared, topic)
		return nil
	}))
	var reaped []string
	tracker.SetOfflineObserver(func(assetID string) { reaped = append(reaped, assetID) })

	tracker.MarkSeen("asset1", "Ent/S/A/L/x/context/T/Temp")

	tracker.mu.Lock()
	tracker.assets["asset1"].LastSeenMs -= 100
	tracker.assets["asset1"].State = StateStale
	tracker.mu.Unlock()

	tracker.mu.Lock()
	tracker.assets["asset1"].LastSeenMs -= 1000
	tracker.mu.Unlock()
	tracker.Scan()

	assert.Equal(t, []string{"Ent/S/A/L/x/context/T/Temp"}, cleared)
	assert.Equal(t, []string{"asset1"}, reaped)
}

type clearFunc func(topic string) error

func (f clearFunc) ClearTopic(topic string) error { return f(topic) }
