package service

import (
	"context"
	"sort"
	"time"

	"github.com/hadijannat/aas-uns-bridge/aas"
)

// processSnapshot is the pipeline worker: flatten, validate, hypervise,
// then multicast each record to both publish planes.
func (b *Bridge) processSnapshot(_ context.Context, snap Snapshot) error {
	metrics := b.registry.CoreMetrics()
	start := time.Now()

	ts := snap.SourceTimestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	records, traversalErrs := b.flattener.FlattenEnvironment(snap.Env, snap.OriginURI, ts)
	metrics.TraversalDuration.Observe(time.Since(start).Seconds())

	for _, terr := range traversalErrs {
		metrics.ErrorsTotal.WithLabelValues("ingress_data").Inc()
		b.logger.Warn("malformed element skipped",
			"asset_uri", terr.AssetURI,
			"submodel_id", terr.SubmodelID,
			"path", terr.Path,
			"error", terr.Err)
	}

	traversedByAsset := make(map[string]int)
	keptByAsset := make(map[string][]aas.LeafRecord)
	for _, rec := range records {
		traversedByAsset[rec.AssetURI]++

		result := b.validator.Validate(rec)
		if b.validator.ShouldDrop(result) {
			metrics.ErrorsTotal.WithLabelValues("validation_reject").Inc()
			continue
		}
		keptByAsset[rec.AssetURI] = append(keptByAsset[rec.AssetURI], rec)
	}
	for _, terr := range traversalErrs {
		traversedByAsset[terr.AssetURI]++
	}

	// Asset order is deterministic per snapshot.
	assetURIs := make([]string, 0, len(keptByAsset))
	for assetURI := range keptByAsset {
		assetURIs = append(assetURIs, assetURI)
	}
	sort.Strings(assetURIs)

	for _, assetURI := range assetURIs {
		b.processAsset(assetURI, traversedByAsset[assetURI], keptByAsset[assetURI])
	}
	return nil
}

// processAsset runs one asset's records through the hypervisor and both
// publishers. Retained publishes happen in traversal order.
func (b *Bridge) processAsset(assetURI string, traversed int, records []aas.LeafRecord) {
	metrics := b.registry.CoreMetrics()

	b.drift.ObserveSnapshot(assetURI, records)

	var changed []aas.LeafRecord
	for _, rec := range records {
		b.stream.Observe(assetURI, rec)
		if b.bidi != nil {
			b.bidi.Observe(rec)
		}

		published, err := b.retainedPub.PublishRecord(rec)
		if err != nil {
			metrics.ErrorsTotal.WithLabelValues("broker_transient").Inc()
			b.logger.Warn("retained publish failed", "path", rec.PathKey(), "error", err)
			continue
		}
		if published {
			changed = append(changed, rec)
			b.lifecycle.MarkSeen(assetURI, b.retainedPub.TopicFor(rec))
		} else {
			b.lifecycle.MarkSeen(assetURI, "")
		}
	}

	device := b.resolver.Resolve(assetURI).Asset
	if err := b.publishLifecyclePlane(device, records, changed); err != nil {
		metrics.ErrorsTotal.WithLabelValues("broker_transient").Inc()
		b.logger.Warn("lifecycle-plane publish failed", "device", device, "error", err)
	}

	report := b.fidelity.Evaluate(assetURI, traversed, records)
	if b.fidelity.ShouldAlert(report) {
		b.logger.Warn("low-fidelity snapshot",
			"asset_uri", assetURI,
			"grade", report.Grade(),
			"overall", report.OverallScore)
	}
}

// publishLifecyclePlane births the device on first sight, then sends
// only the changed metrics as DDATA.
func (b *Bridge) publishLifecyclePlane(device string, all, changed []aas.LeafRecord) error {
	if !b.node.Online() {
		return nil
	}

	wasActive := false
	for _, d := range b.node.ActiveDevices() {
		if d == device {
			wasActive = true
			break
		}
	}

	if !wasActive {
		// DBIRTH carries the complete metric set; the DBIRTH itself
		// announces current values, so no DDATA follows it.
		return b.node.EnsureDeviceBirth(device, all)
	}
	return b.node.PublishData(device, changed)
}
