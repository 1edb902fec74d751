package aas

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Flattener turns AAS environments into ordered leaf-record streams.
// The order is deterministic for identical input: shells, submodels and
// elements are visited depth-first in source order.
type Flattener struct {
	// PreferredLanguage selects the MultiLanguageProperty text; the
	// first entry in source order is the fallback.
	PreferredLanguage string
}

// FlattenEnvironment flattens every submodel of every shell. Malformed
// elements produce a TraversalError and do not stop the traversal.
func (f *Flattener) FlattenEnvironment(env *Environment, originURI string, timestampMs int64) ([]LeafRecord, []TraversalError) {
	var records []LeafRecord
	var errs []TraversalError

	for _, shell := range env.Shells {
		assetURI := shell.GlobalAssetID
		if assetURI == "" {
			assetURI = shell.ID
		}
		for _, sm := range env.SubmodelsFor(shell) {
			recs, es := f.FlattenSubmodel(sm, assetURI, originURI, timestampMs)
			records = append(records, recs...)
			errs = append(errs, es...)
		}
	}
	return records, errs
}

// FlattenSubmodel flattens a single submodel for the given asset.
func (f *Flattener) FlattenSubmodel(sm Submodel, assetURI, originURI string, timestampMs int64) ([]LeafRecord, []TraversalError) {
	w := &walker{
		flattener:   f,
		assetURI:    assetURI,
		submodel:    sm,
		originURI:   originURI,
		timestampMs: timestampMs,
	}
	for i, el := range sm.Elements {
		w.walkIndexed(el, nil, i)
	}
	return w.records, w.errs
}

type walker struct {
	flattener   *Flattener
	assetURI    string
	submodel    Submodel
	originURI   string
	timestampMs int64
	records     []LeafRecord
	errs        []TraversalError
}

func (w *walker) fail(path []string, err error) {
	w.errs = append(w.errs, TraversalError{
		AssetURI:   w.assetURI,
		SubmodelID: w.submodel.ID,
		Path:       append([]string(nil), path...),
		Err:        err,
	})
}

func (w *walker) emit(path []string, kind LeafKind, el Element, value Value, valueType string) {
	w.records = append(w.records, LeafRecord{
		AssetURI:           w.assetURI,
		SubmodelID:         w.submodel.ID,
		SubmodelIDShort:    w.submodel.IDShort,
		Path:               append([]string(nil), path...),
		Kind:               kind,
		Value:              value,
		ValueType:          valueType,
		SemanticID:         el.SemanticID(),
		SemanticKeys:       el.SemanticIDs,
		SubmodelSemanticID: w.submodel.SemanticID(),
		Unit:               el.Unit,
		SourceTimestamp:    w.timestampMs,
		OriginURI:          w.originURI,
	})
}

// segment names an element within its parent: idShort when present,
// positional index otherwise.
func segment(el Element, index int) string {
	if el.IDShort != "" {
		return el.IDShort
	}
	return "idx_" + strconv.Itoa(index)
}

func (w *walker) walk(el Element, parentPath []string) {
	w.walkIndexed(el, parentPath, -1)
}

func (w *walker) walkIndexed(el Element, parentPath []string, index int) {
	seg := segment(el, index)
	path := append(append([]string(nil), parentPath...), seg)

	switch el.Kind {
	case ElementProperty:
		value := Null()
		if el.Value != nil {
			value = *el.Value
		}
		valueType := el.ValueType
		if valueType == "" {
			valueType = inferXSDType(value)
		}
		w.emit(path, LeafProperty, el, value, valueType)

	case ElementMultiLang:
		text, ok := pickLanguage(el.Text, w.flattener.PreferredLanguage)
		value := Null()
		if ok {
			value = Text(text)
		}
		w.emit(path, LeafProperty, el, value, "xs:string")

	case ElementRange:
		valueType := el.ValueType
		if valueType == "" && el.Min != nil {
			valueType = inferXSDType(*el.Min)
		}
		if el.Min != nil {
			w.emit(append(path, "min"), LeafRange, el, *el.Min, valueType)
		}
		if el.Max != nil {
			w.emit(append(path, "max"), LeafRange, el, *el.Max, valueType)
		}

	case ElementCollection:
		for i, child := range el.Children {
			w.walkIndexed(child, path, i)
		}

	case ElementList:
		for i, child := range el.Children {
			// List members are addressed by position even when they
			// carry an idShort, so re-ordered lists change addresses.
			indexed := append(append([]string(nil), path...), "idx_"+strconv.Itoa(i))
			if child.Kind == ElementCollection || child.Kind == ElementList {
				for j, nested := range child.Children {
					w.walkIndexed(nested, indexed, j)
				}
				continue
			}
			w.walkLeafAt(child, indexed)
		}

	case ElementReference:
		value := Null()
		if len(el.Reference) > 0 {
			value = Text(strings.Join(el.Reference, "/"))
		}
		w.emit(path, LeafReference, el, value, "xs:string")

	case ElementRelationship:
		first := strings.Join(el.First, "/")
		second := strings.Join(el.Second, "/")
		w.emit(path, LeafRelationship, el, Text(first+" -> "+second), "xs:string")

	case ElementEntity:
		entityType := el.EntityType
		if entityType == "" {
			entityType = "SelfManagedEntity"
		}
		w.emit(append(path, "entityType"), LeafEntity, el, Text(entityType), "xs:string")
		if el.GlobalAssetID != "" {
			w.emit(append(path, "globalAssetId"), LeafEntity, el, Text(el.GlobalAssetID), "xs:string")
		}
		for i, stmt := range el.Statements {
			w.walkIndexed(stmt, path, i)
		}

	case ElementFile:
		value := Null()
		if el.FilePath != "" {
			value = Text(el.FilePath)
		}
		valueType := el.ContentType
		if valueType == "" {
			valueType = "application/octet-stream"
		}
		w.emit(path, LeafFile, el, value, valueType)

	case ElementBlob:
		// Raw bytes are not forwarded; the leaf carries a content hash.
		digest := fmt.Sprintf("%016x", xxhash.Sum64(el.Blob))
		valueType := el.ContentType
		if valueType == "" {
			valueType = "application/octet-stream"
		}
		w.emit(path, LeafBlob, el, Text(digest), valueType)

	default:
		w.fail(path, errors.WrapInvalid(
			errors.ErrMalformedLeaf, "Flattener", "walk",
			fmt.Sprintf("unknown element kind %q", el.Kind),
		))
	}
}

// walkLeafAt handles a list member whose path is already fully indexed.
func (w *walker) walkLeafAt(el Element, path []string) {
	switch el.Kind {
	case ElementProperty:
		value := Null()
		if el.Value != nil {
			value = *el.Value
		}
		valueType := el.ValueType
		if valueType == "" {
			valueType = inferXSDType(value)
		}
		w.emit(path, LeafProperty, el, value, valueType)
	case ElementMultiLang:
		text, ok := pickLanguage(el.Text, w.flattener.PreferredLanguage)
		value := Null()
		if ok {
			value = Text(text)
		}
		w.emit(path, LeafProperty, el, value, "xs:string")
	case ElementReference:
		value := Null()
		if len(el.Reference) > 0 {
			value = Text(strings.Join(el.Reference, "/"))
		}
		w.emit(path, LeafReference, el, value, "xs:string")
	default:
		w.fail(path, errors.WrapInvalid(
			errors.ErrMalformedLeaf, "Flattener", "walkLeafAt",
			fmt.Sprintf("unsupported list member kind %q", el.Kind),
		))
	}
}

func pickLanguage(entries []LangString, preferred string) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	for _, e := range entries {
		if e.Language == preferred {
			return e.Text, true
		}
	}
	return entries[0].Text, true
}

// inferXSDType maps a value variant to its XSD type name when the
// source element does not declare one.
func inferXSDType(v Value) string {
	switch v.Kind() {
	case KindBool:
		return "xs:boolean"
	case KindInt:
		return "xs:long"
	case KindFloat:
		return "xs:double"
	case KindBytes:
		return "xs:base64Binary"
	default:
		return "xs:string"
	}
}
