package sparkplug

import (
	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/pkg/timestamp"
)

// Message type names on the lifecycle plane.
const (
	MsgNBirth = "NBIRTH"
	MsgNDeath = "NDEATH"
	MsgDBirth = "DBIRTH"
	MsgDDeath = "DDEATH"
	MsgNData  = "NDATA"
	MsgDData  = "DDATA"
	MsgNCmd   = "NCMD"
	MsgDCmd   = "DCMD"
)

// Well-known metric names.
const (
	MetricBdSeq   = "bdSeq"
	MetricRebirth = "Node Control/Rebirth"
)

// Property is one key/value pair of a metric's property set.
type Property struct {
	Key   string
	Type  DataType
	Value aas.Value
}

// Metric is one entry of a payload. Alias presence is explicit because
// alias 0 is a valid allocation.
type Metric struct {
	Name       string
	Alias      uint64
	HasAlias   bool
	Timestamp  int64
	DataType   DataType
	IsNull     bool
	Value      aas.Value
	Properties []Property
}

// Payload is the Sparkplug B message envelope.
type Payload struct {
	Timestamp int64
	Metrics   []Metric
	Seq       uint64
	UUID      string
	Body      []byte
}

// Builder assembles payloads the way the publishers need them.
type Builder struct {
	payload Payload
}

// NewBuilder creates a builder stamped with the given payload timestamp.
func NewBuilder(timestampMs int64) *Builder {
	if timestampMs == 0 {
		timestampMs = timestamp.Now()
	}
	return &Builder{payload: Payload{Timestamp: timestampMs}}
}

// Seq sets the message sequence number (0-255 on the wire).
func (b *Builder) Seq(seq uint8) *Builder {
	b.payload.Seq = uint64(seq)
	return b
}

// Metric appends a fully specified metric.
func (b *Builder) Metric(m Metric) *Builder {
	if m.Timestamp == 0 {
		m.Timestamp = b.payload.Timestamp
	}
	if m.DataType == TypeUnknown && !m.Value.IsNull() {
		m.DataType = FromValue(m.Value)
	}
	if m.Value.IsNull() {
		m.IsNull = true
	}
	b.payload.Metrics = append(b.payload.Metrics, m)
	return b
}

// BdSeq appends the bdSeq metric carried by NBIRTH and NDEATH. The
// persistent counter is wrapped to 8 bits on transmit.
func (b *Builder) BdSeq(bdSeq uint64) *Builder {
	return b.Metric(Metric{
		Name:     MetricBdSeq,
		DataType: TypeInt64,
		Value:    aas.Int(int64(bdSeq % 256)),
	})
}

// RebirthControl appends the Node Control/Rebirth metric for NBIRTH.
func (b *Builder) RebirthControl() *Builder {
	return b.Metric(Metric{
		Name:     MetricRebirth,
		DataType: TypeBoolean,
		Value:    aas.Bool(false),
	})
}

// Build returns the assembled payload.
func (b *Builder) Build() Payload {
	return b.payload
}

// BdSeqValue extracts the bdSeq metric from a payload, with ok=false
// when absent.
func BdSeqValue(p Payload) (uint64, bool) {
	for _, m := range p.Metrics {
		if m.Name == MetricBdSeq && m.Value.Kind() == aas.KindInt {
			return uint64(m.Value.AsInt()), true
		}
	}
	return 0, false
}

// IsRebirthRequest reports whether an NCMD payload asks for a rebirth.
func IsRebirthRequest(p Payload) bool {
	for _, m := range p.Metrics {
		if m.Name == MetricRebirth && m.Value.Kind() == aas.KindBool {
			return m.Value.AsBool()
		}
	}
	return false
}
