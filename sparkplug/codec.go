package sparkplug

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hadijannat/aas-uns-bridge/aas"
)

// Wire field numbers of the Sparkplug B protobuf schema.
const (
	payloadFieldTimestamp = 1
	payloadFieldMetrics   = 2
	payloadFieldSeq       = 3
	payloadFieldUUID      = 4
	payloadFieldBody      = 5

	metricFieldName       = 1
	metricFieldAlias      = 2
	metricFieldTimestamp  = 3
	metricFieldDatatype   = 4
	metricFieldIsNull     = 7
	metricFieldProperties = 9
	metricFieldIntValue   = 10
	metricFieldLongValue  = 11
	metricFieldFloat      = 12
	metricFieldDouble     = 13
	metricFieldBoolean    = 14
	metricFieldString     = 15
	metricFieldBytes      = 16

	propertySetFieldKeys   = 1
	propertySetFieldValues = 2

	propertyValueFieldType    = 1
	propertyValueFieldIsNull  = 2
	propertyValueFieldInt     = 3
	propertyValueFieldLong    = 4
	propertyValueFieldFloat   = 5
	propertyValueFieldDouble  = 6
	propertyValueFieldBoolean = 7
	propertyValueFieldString  = 8
)

// Encode serializes a payload to the Sparkplug B binary format.
func Encode(p Payload) []byte {
	var buf []byte

	if p.Timestamp != 0 {
		buf = protowire.AppendTag(buf, payloadFieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Timestamp))
	}
	for _, m := range p.Metrics {
		buf = protowire.AppendTag(buf, payloadFieldMetrics, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeMetric(m))
	}
	buf = protowire.AppendTag(buf, payloadFieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, p.Seq)
	if p.UUID != "" {
		buf = protowire.AppendTag(buf, payloadFieldUUID, protowire.BytesType)
		buf = protowire.AppendString(buf, p.UUID)
	}
	if len(p.Body) > 0 {
		buf = protowire.AppendTag(buf, payloadFieldBody, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Body)
	}
	return buf
}

func encodeMetric(m Metric) []byte {
	var buf []byte

	if m.Name != "" {
		buf = protowire.AppendTag(buf, metricFieldName, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Name)
	}
	if m.HasAlias {
		buf = protowire.AppendTag(buf, metricFieldAlias, protowire.VarintType)
		buf = protowire.AppendVarint(buf, m.Alias)
	}
	if m.Timestamp != 0 {
		buf = protowire.AppendTag(buf, metricFieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Timestamp))
	}
	buf = protowire.AppendTag(buf, metricFieldDatatype, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.DataType))

	if m.IsNull || m.Value.IsNull() {
		buf = protowire.AppendTag(buf, metricFieldIsNull, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	} else {
		buf = appendMetricValue(buf, m.DataType, m.Value)
	}

	if len(m.Properties) > 0 {
		buf = protowire.AppendTag(buf, metricFieldProperties, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodePropertySet(m.Properties))
	}
	return buf
}

func appendMetricValue(buf []byte, dt DataType, v aas.Value) []byte {
	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeUInt8, TypeUInt16, TypeUInt32:
		buf = protowire.AppendTag(buf, metricFieldIntValue, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(uint32(v.AsInt())))
	case TypeInt64, TypeUInt64, TypeDateTime:
		buf = protowire.AppendTag(buf, metricFieldLongValue, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(v.AsInt()))
	case TypeFloat:
		buf = protowire.AppendTag(buf, metricFieldFloat, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(float32(v.AsFloat())))
	case TypeDouble:
		buf = protowire.AppendTag(buf, metricFieldDouble, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(v.AsFloat()))
	case TypeBoolean:
		buf = protowire.AppendTag(buf, metricFieldBoolean, protowire.VarintType)
		val := uint64(0)
		if v.AsBool() {
			val = 1
		}
		buf = protowire.AppendVarint(buf, val)
	case TypeBytes, TypeFile:
		buf = protowire.AppendTag(buf, metricFieldBytes, protowire.BytesType)
		buf = protowire.AppendBytes(buf, v.AsBytes())
	default:
		buf = protowire.AppendTag(buf, metricFieldString, protowire.BytesType)
		buf = protowire.AppendString(buf, v.String())
	}
	return buf
}

func encodePropertySet(props []Property) []byte {
	var buf []byte
	for _, p := range props {
		buf = protowire.AppendTag(buf, propertySetFieldKeys, protowire.BytesType)
		buf = protowire.AppendString(buf, p.Key)
	}
	for _, p := range props {
		buf = protowire.AppendTag(buf, propertySetFieldValues, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodePropertyValue(p))
	}
	return buf
}

func encodePropertyValue(p Property) []byte {
	var buf []byte
	dt := p.Type
	if dt == TypeUnknown {
		dt = FromValue(p.Value)
	}
	buf = protowire.AppendTag(buf, propertyValueFieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(dt))

	if p.Value.IsNull() {
		buf = protowire.AppendTag(buf, propertyValueFieldIsNull, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
		return buf
	}

	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeUInt8, TypeUInt16, TypeUInt32:
		buf = protowire.AppendTag(buf, propertyValueFieldInt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(uint32(p.Value.AsInt())))
	case TypeInt64, TypeUInt64, TypeDateTime:
		buf = protowire.AppendTag(buf, propertyValueFieldLong, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Value.AsInt()))
	case TypeFloat:
		buf = protowire.AppendTag(buf, propertyValueFieldFloat, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(float32(p.Value.AsFloat())))
	case TypeDouble:
		buf = protowire.AppendTag(buf, propertyValueFieldDouble, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(p.Value.AsFloat()))
	case TypeBoolean:
		buf = protowire.AppendTag(buf, propertyValueFieldBoolean, protowire.VarintType)
		val := uint64(0)
		if p.Value.AsBool() {
			val = 1
		}
		buf = protowire.AppendVarint(buf, val)
	default:
		buf = protowire.AppendTag(buf, propertyValueFieldString, protowire.BytesType)
		buf = protowire.AppendString(buf, p.Value.String())
	}
	return buf
}

// Decode parses a Sparkplug B binary payload.
func Decode(data []byte) (Payload, error) {
	var p Payload

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("payload: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case payloadFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("payload timestamp: %w", protowire.ParseError(n))
			}
			p.Timestamp = int64(v)
			data = data[n:]
		case payloadFieldMetrics:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("payload metrics: %w", protowire.ParseError(n))
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return p, err
			}
			p.Metrics = append(p.Metrics, m)
			data = data[n:]
		case payloadFieldSeq:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("payload seq: %w", protowire.ParseError(n))
			}
			p.Seq = v
			data = data[n:]
		case payloadFieldUUID:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("payload uuid: %w", protowire.ParseError(n))
			}
			p.UUID = string(raw)
			data = data[n:]
		case payloadFieldBody:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("payload body: %w", protowire.ParseError(n))
			}
			p.Body = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("payload field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return p, nil
}

func decodeMetric(data []byte) (Metric, error) {
	var m Metric
	var intVal uint64
	var longVal uint64
	var floatVal float32
	var doubleVal float64
	var boolVal bool
	var stringVal string
	var bytesVal []byte
	var valueField int

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("metric: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case metricFieldName:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric name: %w", protowire.ParseError(n))
			}
			m.Name = string(raw)
			data = data[n:]
		case metricFieldAlias:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric alias: %w", protowire.ParseError(n))
			}
			m.Alias = v
			m.HasAlias = true
			data = data[n:]
		case metricFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp = int64(v)
			data = data[n:]
		case metricFieldDatatype:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric datatype: %w", protowire.ParseError(n))
			}
			m.DataType = DataType(v)
			data = data[n:]
		case metricFieldIsNull:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric is_null: %w", protowire.ParseError(n))
			}
			m.IsNull = v != 0
			data = data[n:]
		case metricFieldProperties:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric properties: %w", protowire.ParseError(n))
			}
			props, err := decodePropertySet(raw)
			if err != nil {
				return m, err
			}
			m.Properties = props
			data = data[n:]
		case metricFieldIntValue:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric int_value: %w", protowire.ParseError(n))
			}
			intVal = v
			valueField = metricFieldIntValue
			data = data[n:]
		case metricFieldLongValue:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric long_value: %w", protowire.ParseError(n))
			}
			longVal = v
			valueField = metricFieldLongValue
			data = data[n:]
		case metricFieldFloat:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return m, fmt.Errorf("metric float_value: %w", protowire.ParseError(n))
			}
			floatVal = math.Float32frombits(v)
			valueField = metricFieldFloat
			data = data[n:]
		case metricFieldDouble:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return m, fmt.Errorf("metric double_value: %w", protowire.ParseError(n))
			}
			doubleVal = math.Float64frombits(v)
			valueField = metricFieldDouble
			data = data[n:]
		case metricFieldBoolean:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return m, fmt.Errorf("metric boolean_value: %w", protowire.ParseError(n))
			}
			boolVal = v != 0
			valueField = metricFieldBoolean
			data = data[n:]
		case metricFieldString:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric string_value: %w", protowire.ParseError(n))
			}
			stringVal = string(raw)
			valueField = metricFieldString
			data = data[n:]
		case metricFieldBytes:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return m, fmt.Errorf("metric bytes_value: %w", protowire.ParseError(n))
			}
			bytesVal = append([]byte(nil), raw...)
			valueField = metricFieldBytes
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return m, fmt.Errorf("metric field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	// Reconstruct the value variant from the datatype byte.
	if m.IsNull || valueField == 0 {
		m.Value = aas.Null()
		return m, nil
	}
	switch valueField {
	case metricFieldIntValue:
		switch m.DataType {
		case TypeInt8:
			m.Value = aas.Int(int64(int8(intVal)))
		case TypeInt16:
			m.Value = aas.Int(int64(int16(intVal)))
		case TypeInt32:
			m.Value = aas.Int(int64(int32(intVal)))
		default:
			m.Value = aas.Int(int64(uint32(intVal)))
		}
	case metricFieldLongValue:
		m.Value = aas.Int(int64(longVal))
	case metricFieldFloat:
		m.Value = aas.Float(float64(floatVal))
	case metricFieldDouble:
		m.Value = aas.Float(doubleVal)
	case metricFieldBoolean:
		m.Value = aas.Bool(boolVal)
	case metricFieldString:
		m.Value = aas.Text(stringVal)
	case metricFieldBytes:
		m.Value = aas.Bytes(bytesVal)
	}
	return m, nil
}

func decodePropertySet(data []byte) ([]Property, error) {
	var keys []string
	var values []Property

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("property set: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case propertySetFieldKeys:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("property key: %w", protowire.ParseError(n))
			}
			keys = append(keys, string(raw))
			data = data[n:]
		case propertySetFieldValues:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("property value: %w", protowire.ParseError(n))
			}
			pv, err := decodePropertyValue(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, pv)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("property set field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	props := make([]Property, 0, len(values))
	for i, v := range values {
		if i < len(keys) {
			v.Key = keys[i]
		}
		props = append(props, v)
	}
	return props, nil
}

func decodePropertyValue(data []byte) (Property, error) {
	var p Property
	isNull := false
	valueSet := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("property value: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case propertyValueFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("property type: %w", protowire.ParseError(n))
			}
			p.Type = DataType(v)
			data = data[n:]
		case propertyValueFieldIsNull:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("property is_null: %w", protowire.ParseError(n))
			}
			isNull = v != 0
			data = data[n:]
		case propertyValueFieldInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("property int: %w", protowire.ParseError(n))
			}
			p.Value = aas.Int(int64(int32(v)))
			valueSet = true
			data = data[n:]
		case propertyValueFieldLong:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("property long: %w", protowire.ParseError(n))
			}
			p.Value = aas.Int(int64(v))
			valueSet = true
			data = data[n:]
		case propertyValueFieldFloat:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return p, fmt.Errorf("property float: %w", protowire.ParseError(n))
			}
			p.Value = aas.Float(float64(math.Float32frombits(v)))
			valueSet = true
			data = data[n:]
		case propertyValueFieldDouble:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return p, fmt.Errorf("property double: %w", protowire.ParseError(n))
			}
			p.Value = aas.Float(math.Float64frombits(v))
			valueSet = true
			data = data[n:]
		case propertyValueFieldBoolean:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("property boolean: %w", protowire.ParseError(n))
			}
			p.Value = aas.Bool(v != 0)
			valueSet = true
			data = data[n:]
		case propertyValueFieldString:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("property string: %w", protowire.ParseError(n))
			}
			p.Value = aas.Text(string(raw))
			valueSet = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("property field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if isNull || !valueSet {
		p.Value = aas.Null()
	}
	return p, nil
}
