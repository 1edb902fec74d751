// Package sparkplugnode publishes the lifecycle plane: the Sparkplug B
// session state machine with birth/death messages, persistent metric
// aliases and session/sequence numbering.
package sparkplugnode

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
	"github.com/hadijannat/aas-uns-bridge/sparkplug"
	"github.com/hadijannat/aas-uns-bridge/state"
)

const bdSeqKey = "bdseq_last"

// Config holds lifecycle-plane settings.
type Config struct {
	Enabled    bool
	GroupID    string
	EdgeNodeID string
	// QoS is fixed at 0 by the protocol; kept for config symmetry.
	QoS byte
}

// Node owns the Sparkplug session: bdSeq/seq counters, the active
// device set and the alias database. All publishes are funneled through
// the single broker I/O worker, which owns this node.
type Node struct {
	cfg     Config
	client  broker.Publisher
	aliases *state.AliasDB
	births  *state.BirthCache
	session *state.Table
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	bdSeq   uint64
	haveBd  bool
	seq     uint8
	online  bool
	devices map[string]struct{}
}

// New creates a Sparkplug node. session persists the bdSeq counter.
func New(
	cfg Config,
	client broker.Publisher,
	aliases *state.AliasDB,
	births *state.BirthCache,
	session *state.Table,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:     cfg,
		client:  client,
		aliases: aliases,
		births:  births,
		session: session,
		metrics: metrics,
		logger:  logger,
		devices: make(map[string]struct{}),
	}
}

// topic builds a lifecycle-plane topic for this node.
func (n *Node) topic(msgType, deviceID string) string {
	return sparkplug.Topic(n.cfg.GroupID, msgType, n.cfg.EdgeNodeID, deviceID)
}

// nextSeq returns the sequence number for the next message and advances
// the counter (wrapping 255 -> 0 with no reset semantics).
func (n *Node) nextSeq() uint8 {
	seq := n.seq
	n.seq++
	return seq
}

// NextSession allocates a fresh bdSeq (prior + 1; 0 on first ever
// session), persists it, and returns the NDEATH last-will to register
// before the transport connects. NBIRTH and the will carry the same
// bdSeq for the whole session.
func (n *Node) NextSession() (broker.Will, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.haveBd {
		if data, err := n.session.Peek(bdSeqKey); err == nil && len(data) == 8 {
			n.bdSeq = binary.BigEndian.Uint64(data)
			n.haveBd = true
		}
	}
	if n.haveBd {
		n.bdSeq++
	} else {
		n.bdSeq = 0
		n.haveBd = true
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.bdSeq)
	if err := n.session.Put(bdSeqKey, buf[:]); err != nil {
		return broker.Will{}, errors.WrapTransient(err, "Node", "NextSession", "persist bdSeq")
	}

	ndeath := sparkplug.NewBuilder(timestamp.Now()).BdSeq(n.bdSeq).Build()
	return broker.Will{
		Topic:   n.topic(sparkplug.MsgNDeath, ""),
		Payload: sparkplug.Encode(ndeath),
		QoS:     0,
		Retain:  false,
	}, nil
}

// BdSeq returns the session's current bdSeq (full width).
func (n *Node) BdSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bdSeq
}

// Online reports whether NBIRTH has been published this session.
func (n *Node) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// ActiveDevices returns the devices with a DBIRTH this session.
func (n *Node) ActiveDevices() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.devices))
	for d := range n.devices {
		out = append(out, d)
	}
	return out
}

// OnConnected starts the session on a fresh transport connection:
// publish NBIRTH (seq 0), subscribe to the node command topic, then
// rebirth every device held in the birth cache.
func (n *Node) OnConnected() error {
	if !n.cfg.Enabled {
		return nil
	}

	n.mu.Lock()
	n.seq = 0
	n.online = false
	n.devices = make(map[string]struct{})
	n.mu.Unlock()

	if err := n.publishNBirth(); err != nil {
		return err
	}

	ncmdTopic := n.topic(sparkplug.MsgNCmd, "")
	if err := n.client.Subscribe(ncmdTopic, 0, n.handleNodeCommand); err != nil {
		return errors.WrapTransient(err, "Node", "OnConnected", "subscribe node commands")
	}

	return n.rebirthDevicesFromCache()
}

func (n *Node) publishNBirth() error {
	n.mu.Lock()
	seq := n.nextSeq()
	bdSeq := n.bdSeq
	n.mu.Unlock()

	payload := sparkplug.NewBuilder(timestamp.Now()).
		Seq(seq).
		BdSeq(bdSeq).
		RebirthControl().
		Build()

	topic := n.topic(sparkplug.MsgNBirth, "")
	if err := n.client.Publish(topic, sparkplug.Encode(payload), 0, false); err != nil {
		return errors.WrapTransient(err, "Node", "publishNBirth", topic)
	}

	n.mu.Lock()
	n.online = true
	n.mu.Unlock()

	n.count(sparkplug.MsgNBirth)
	n.logger.Info("published NBIRTH", "topic", topic, "bdSeq", bdSeq%256, "seq", seq)
	return nil
}

// EnsureDeviceBirth publishes a DBIRTH for the device when it has none
// this session. The metric set must be the device's complete set; every
// alias is committed to the alias database before the DBIRTH announces
// it. Alias commit failure aborts the birth.
func (n *Node) EnsureDeviceBirth(device string, records []aas.LeafRecord) error {
	if !n.cfg.Enabled {
		return nil
	}

	n.mu.Lock()
	if !n.online {
		n.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotBirthed, "Node", "EnsureDeviceBirth", "NBIRTH not published")
	}
	if _, active := n.devices[device]; active {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	return n.publishDBirth(device, records)
}

func (n *Node) publishDBirth(device string, records []aas.LeafRecord) error {
	now := timestamp.Now()
	builder := sparkplug.NewBuilder(now)

	for _, rec := range records {
		name := rec.MetricName()
		alias, err := n.aliases.GetOrAllocate(n.cfg.EdgeNodeID, device, name)
		if err != nil {
			// Data for this device buffers upstream until a retry
			// commits the alias.
			return errors.WrapTransient(err, "Node", "publishDBirth", "commit alias before birth")
		}
		builder.Metric(n.birthMetric(rec, name, alias))
	}

	n.mu.Lock()
	seq := n.nextSeq()
	n.mu.Unlock()
	payload := builder.Seq(seq).Build()
	encoded := sparkplug.Encode(payload)
	topic := n.topic(sparkplug.MsgDBirth, device)

	if err := n.client.Publish(topic, encoded, 0, false); err != nil {
		return errors.WrapTransient(err, "Node", "publishDBirth", topic)
	}

	n.mu.Lock()
	n.devices[device] = struct{}{}
	n.mu.Unlock()

	if err := n.births.Store(n.cfg.EdgeNodeID, device, topic, encoded); err != nil {
		n.logger.Warn("birth cache write failed", "device", device, "error", err)
	}

	n.count(sparkplug.MsgDBirth)
	n.logger.Info("published DBIRTH", "topic", topic, "metrics", len(records), "seq", seq)
	return nil
}

func (n *Node) birthMetric(rec aas.LeafRecord, name string, alias uint64) sparkplug.Metric {
	var props []sparkplug.Property
	if rec.SemanticID != "" {
		props = append(props, sparkplug.Property{
			Key: "aas:semanticId", Type: sparkplug.TypeString, Value: aas.Text(rec.SemanticID),
		})
	}
	if rec.Unit != "" {
		props = append(props, sparkplug.Property{
			Key: "aas:unit", Type: sparkplug.TypeString, Value: aas.Text(rec.Unit),
		})
	}
	if rec.OriginURI != "" {
		props = append(props, sparkplug.Property{
			Key: "aas:aasSource", Type: sparkplug.TypeString, Value: aas.Text(rec.OriginURI),
		})
	}

	return sparkplug.Metric{
		Name:       name,
		Alias:      alias,
		HasAlias:   true,
		Timestamp:  rec.SourceTimestamp,
		DataType:   sparkplug.FromXSD(rec.ValueType),
		Value:      rec.Value,
		Properties: props,
	}
}

// PublishData publishes a DDATA with alias-only metric references. Every
// metric must have been announced by the device's DBIRTH this session.
func (n *Node) PublishData(device string, records []aas.LeafRecord) error {
	if !n.cfg.Enabled || len(records) == 0 {
		return nil
	}

	n.mu.Lock()
	_, active := n.devices[device]
	n.mu.Unlock()
	if !active {
		return errors.WrapInvalid(errors.ErrNotBirthed, "Node", "PublishData", device)
	}

	builder := sparkplug.NewBuilder(timestamp.Now())
	for _, rec := range records {
		name := rec.MetricName()
		alias, ok := n.aliases.Lookup(n.cfg.EdgeNodeID, device, name)
		if !ok {
			return errors.WrapInvalid(errors.ErrNotBirthed, "Node", "PublishData",
				fmt.Sprintf("metric %s has no alias", name))
		}
		builder.Metric(sparkplug.Metric{
			Alias:     alias,
			HasAlias:  true,
			Timestamp: rec.SourceTimestamp,
			DataType:  sparkplug.FromXSD(rec.ValueType),
			Value:     rec.Value,
		})
	}

	n.mu.Lock()
	seq := n.nextSeq()
	n.mu.Unlock()
	payload := builder.Seq(seq).Build()
	topic := n.topic(sparkplug.MsgDData, device)

	if err := n.client.Publish(topic, sparkplug.Encode(payload), 0, false); err != nil {
		return errors.WrapTransient(err, "Node", "PublishData", topic)
	}

	n.count(sparkplug.MsgDData)
	n.logger.Debug("published DDATA", "topic", topic, "metrics", len(records), "seq", seq)
	return nil
}

// DeviceDeath publishes a DDEATH and retires the device.
func (n *Node) DeviceDeath(device string) error {
	if !n.cfg.Enabled {
		return nil
	}

	n.mu.Lock()
	_, active := n.devices[device]
	if !active {
		n.mu.Unlock()
		return nil
	}
	seq := n.nextSeq()
	n.mu.Unlock()

	payload := sparkplug.NewBuilder(timestamp.Now()).Seq(seq).Build()
	topic := n.topic(sparkplug.MsgDDeath, device)
	if err := n.client.Publish(topic, sparkplug.Encode(payload), 0, false); err != nil {
		return errors.WrapTransient(err, "Node", "DeviceDeath", topic)
	}

	n.mu.Lock()
	delete(n.devices, device)
	n.mu.Unlock()

	if err := n.births.Remove(n.cfg.EdgeNodeID, device); err != nil {
		n.logger.Warn("birth cache remove failed", "device", device, "error", err)
	}

	n.count(sparkplug.MsgDDeath)
	n.logger.Info("published DDEATH", "topic", topic, "seq", seq)
	return nil
}

// Rebirth re-announces the session in place: bdSeq advances, seq resets,
// NBIRTH is republished and every active device is re-birthed from the
// birth cache. The alias map is untouched.
func (n *Node) Rebirth() error {
	n.mu.Lock()
	n.bdSeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n.bdSeq)
	n.seq = 0
	n.online = false
	n.mu.Unlock()

	if err := n.session.Put(bdSeqKey, buf[:]); err != nil {
		n.logger.Warn("bdSeq persist failed during rebirth", "error", err)
	}

	if err := n.publishNBirth(); err != nil {
		return err
	}
	return n.rebirthDevicesFromCache()
}

// rebirthDevicesFromCache republishes a DBIRTH for every cached device,
// re-sequencing the cached payload into the current session.
func (n *Node) rebirthDevicesFromCache() error {
	devices, err := n.births.Devices(n.cfg.EdgeNodeID)
	if err != nil {
		return err
	}

	for _, device := range devices {
		entry, ok, err := n.births.Get(n.cfg.EdgeNodeID, device)
		if err != nil || !ok {
			continue
		}
		payload, err := sparkplug.Decode(entry.Payload)
		if err != nil {
			n.logger.Warn("cached DBIRTH undecodable, dropping", "device", device, "error", err)
			_ = n.births.Remove(n.cfg.EdgeNodeID, device)
			continue
		}

		n.mu.Lock()
		payload.Seq = uint64(n.nextSeq())
		n.mu.Unlock()
		payload.Timestamp = timestamp.Now()

		if err := n.client.Publish(entry.Topic, sparkplug.Encode(payload), 0, false); err != nil {
			return errors.WrapTransient(err, "Node", "rebirthDevicesFromCache", entry.Topic)
		}

		n.mu.Lock()
		n.devices[device] = struct{}{}
		n.mu.Unlock()
		n.count(sparkplug.MsgDBirth)
		n.logger.Info("re-published DBIRTH from cache", "device", device)
	}
	return nil
}

// handleNodeCommand processes NCMD messages (rebirth requests).
func (n *Node) handleNodeCommand(topic string, payload []byte) {
	decoded, err := sparkplug.Decode(payload)
	if err != nil {
		n.logger.Warn("undecodable NCMD", "topic", topic, "error", err)
		return
	}
	if sparkplug.IsRebirthRequest(decoded) {
		n.logger.Info("rebirth requested", "topic", topic)
		if err := n.Rebirth(); err != nil {
			n.logger.Error("rebirth failed", "error", err)
		}
	}
}

// Shutdown runs the graceful sequence: DDEATH for each active device,
// then NDEATH. The caller disconnects the transport afterwards, so the
// registered last-will is discarded unsent.
func (n *Node) Shutdown() error {
	if !n.cfg.Enabled {
		return nil
	}

	for _, device := range n.ActiveDevices() {
		if err := n.DeviceDeath(device); err != nil {
			n.logger.Warn("DDEATH during shutdown failed", "device", device, "error", err)
		}
	}

	n.mu.Lock()
	seq := n.nextSeq()
	bdSeq := n.bdSeq
	online := n.online
	n.online = false
	n.mu.Unlock()

	if !online {
		return nil
	}

	payload := sparkplug.NewBuilder(timestamp.Now()).Seq(seq).BdSeq(bdSeq).Build()
	topic := n.topic(sparkplug.MsgNDeath, "")
	if err := n.client.Publish(topic, sparkplug.Encode(payload), 0, false); err != nil {
		return errors.WrapTransient(err, "Node", "Shutdown", topic)
	}
	n.count(sparkplug.MsgNDeath)
	n.logger.Info("published NDEATH", "topic", topic, "bdSeq", bdSeq%256)
	return nil
}

func (n *Node) count(msgType string) {
	if n.metrics != nil {
		n.metrics.SparkplugMessagesTotal.WithLabelValues(msgType).Inc()
	}
}
