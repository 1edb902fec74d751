// Package sparkplug implements the Sparkplug B payload model and its
// binary wire codec, plus the lifecycle-plane topic composition.
package sparkplug

import (
	"strings"

	"github.com/hadijannat/aas-uns-bridge/aas"
)

// DataType is the Sparkplug B metric datatype byte.
type DataType uint32

// Sparkplug B data types as defined in the specification.
const (
	TypeUnknown         DataType = 0
	TypeInt8            DataType = 1
	TypeInt16           DataType = 2
	TypeInt32           DataType = 3
	TypeInt64           DataType = 4
	TypeUInt8           DataType = 5
	TypeUInt16          DataType = 6
	TypeUInt32          DataType = 7
	TypeUInt64          DataType = 8
	TypeFloat           DataType = 9
	TypeDouble          DataType = 10
	TypeBoolean         DataType = 11
	TypeString          DataType = 12
	TypeDateTime        DataType = 13
	TypeText            DataType = 14
	TypeUUID            DataType = 15
	TypeDataSet         DataType = 16
	TypeBytes           DataType = 17
	TypeFile            DataType = 18
	TypeTemplate        DataType = 19
	TypePropertySet     DataType = 20
	TypePropertySetList DataType = 21
)

// xsdToType maps XSD type names (lower-cased) to Sparkplug datatypes.
var xsdToType = map[string]DataType{
	"xs:string":        TypeString,
	"xs:boolean":       TypeBoolean,
	"xs:int":           TypeInt32,
	"xs:integer":       TypeInt64,
	"xs:long":          TypeInt64,
	"xs:short":         TypeInt16,
	"xs:byte":          TypeInt8,
	"xs:unsignedint":   TypeUInt32,
	"xs:unsignedlong":  TypeUInt64,
	"xs:unsignedshort": TypeUInt16,
	"xs:unsignedbyte":  TypeUInt8,
	"xs:float":         TypeFloat,
	"xs:double":        TypeDouble,
	"xs:datetime":      TypeDateTime,
	"xs:date":          TypeDateTime,
	"xs:time":          TypeDateTime,
	"xs:decimal":       TypeDouble,
	"xs:base64binary":  TypeBytes,
	"xs:hexbinary":     TypeBytes,
	"xs:anyuri":        TypeString,
}

// FromXSD converts an XSD type name to a Sparkplug datatype,
// defaulting to String.
func FromXSD(xsdType string) DataType {
	if t, ok := xsdToType[strings.ToLower(xsdType)]; ok {
		return t
	}
	return TypeString
}

// FromValue infers a Sparkplug datatype from a value variant.
func FromValue(v aas.Value) DataType {
	switch v.Kind() {
	case aas.KindBool:
		return TypeBoolean
	case aas.KindInt:
		if v.AsInt() >= -2147483648 && v.AsInt() <= 2147483647 {
			return TypeInt32
		}
		return TypeInt64
	case aas.KindFloat:
		return TypeDouble
	case aas.KindBytes:
		return TypeBytes
	case aas.KindText:
		return TypeString
	default:
		return TypeUnknown
	}
}
