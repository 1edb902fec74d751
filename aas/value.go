// Package aas defines the Asset Administration Shell object model the
// bridge ingests and the flattening of submodels into leaf records.
package aas

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ValueKind discriminates the Value union.
type ValueKind int

// Value kinds
const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBytes
)

// String returns the string representation of ValueKind
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is the tagged union carried by a leaf record. Encoders dispatch
// on the kind; no reflection is involved.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int wraps an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float wraps a floating-point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Text wraps a text value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Bytes wraps a byte-slice value.
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }

// Kind returns the union discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean variant.
func (v Value) AsBool() bool { return v.b }

// AsInt returns the integer variant.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the float variant, widening an integer.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// AsText returns the text variant.
func (v Value) AsText() string { return v.s }

// AsBytes returns the bytes variant.
func (v Value) AsBytes() []byte { return v.raw }

// IsNumeric reports whether the value is an integer or float.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Interface returns the variant as a plain Go value for JSON payloads.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	default:
		return nil
	}
}

// Equal reports whether two values carry the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	default:
		return false
	}
}

// String renders the value for logs and relationship composition.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler, reconstructing the variant
// from the JSON type. Numbers without a fraction become integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromInterface(raw)
	return nil
}

// FromInterface converts a decoded JSON value into the union.
func FromInterface(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if t == float64(int64(t)) {
			// Plain json decoding hands integers over as float64.
			return Int(int64(t))
		}
		return Float(t)
	case string:
		return Text(t)
	case []byte:
		return Bytes(t)
	default:
		return Text(fmt.Sprintf("%v", t))
	}
}
