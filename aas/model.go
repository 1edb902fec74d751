package aas

import (
	"encoding/json"
	"fmt"
	"os"
)

// ElementKind names the submodel element types the bridge understands.
type ElementKind string

// Submodel element kinds
const (
	ElementProperty     ElementKind = "Property"
	ElementMultiLang    ElementKind = "MultiLanguageProperty"
	ElementRange        ElementKind = "Range"
	ElementCollection   ElementKind = "SubmodelElementCollection"
	ElementList         ElementKind = "SubmodelElementList"
	ElementReference    ElementKind = "ReferenceElement"
	ElementRelationship ElementKind = "RelationshipElement"
	ElementEntity       ElementKind = "Entity"
	ElementFile         ElementKind = "File"
	ElementBlob         ElementKind = "Blob"
)

// LangString is one language/text pair of a MultiLanguageProperty.
// Source order is preserved so the fallback pick is deterministic.
type LangString struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Element is one submodel element. The Kind field selects which of the
// remaining fields are meaningful, mirroring the discriminated layout of
// AAS JSON serialization.
type Element struct {
	IDShort     string      `json:"idShort"`
	Kind        ElementKind `json:"modelType"`
	SemanticIDs []string    `json:"semanticIds,omitempty"`
	Unit        string      `json:"unit,omitempty"`

	// Property
	Value     *Value `json:"value,omitempty"`
	ValueType string `json:"valueType,omitempty"`

	// MultiLanguageProperty
	Text []LangString `json:"text,omitempty"`

	// Range
	Min *Value `json:"min,omitempty"`
	Max *Value `json:"max,omitempty"`

	// ReferenceElement
	Reference []string `json:"reference,omitempty"`

	// RelationshipElement
	First  []string `json:"first,omitempty"`
	Second []string `json:"second,omitempty"`

	// Entity
	EntityType    string    `json:"entityType,omitempty"`
	GlobalAssetID string    `json:"globalAssetId,omitempty"`
	Statements    []Element `json:"statements,omitempty"`

	// File / Blob
	ContentType string `json:"contentType,omitempty"`
	FilePath    string `json:"path,omitempty"`
	Blob        []byte `json:"blob,omitempty"`

	// Collection / List
	Children []Element `json:"children,omitempty"`
}

// SemanticID returns the primary (first) semantic key, or "".
func (e Element) SemanticID() string {
	if len(e.SemanticIDs) == 0 {
		return ""
	}
	return e.SemanticIDs[0]
}

// Submodel is a named subtree of related elements.
type Submodel struct {
	ID          string    `json:"id"`
	IDShort     string    `json:"idShort"`
	SemanticIDs []string  `json:"semanticIds,omitempty"`
	Elements    []Element `json:"submodelElements"`
}

// SemanticID returns the submodel's primary semantic key, or "".
func (s Submodel) SemanticID() string {
	if len(s.SemanticIDs) == 0 {
		return ""
	}
	return s.SemanticIDs[0]
}

// AdministrationShell ties an asset identity to its submodels.
type AdministrationShell struct {
	ID            string   `json:"id"`
	IDShort       string   `json:"idShort"`
	GlobalAssetID string   `json:"globalAssetId"`
	SubmodelRefs  []string `json:"submodelRefs"`
}

// Environment is a complete AAS snapshot: the unit of ingress.
type Environment struct {
	Shells    []AdministrationShell `json:"assetAdministrationShells"`
	Submodels []Submodel            `json:"submodels"`
}

// SubmodelsFor returns the submodels referenced by a shell, in reference
// order. Unresolvable references are skipped.
func (env *Environment) SubmodelsFor(shell AdministrationShell) []Submodel {
	byID := make(map[string]Submodel, len(env.Submodels))
	for _, sm := range env.Submodels {
		byID[sm.ID] = sm
	}

	out := make([]Submodel, 0, len(shell.SubmodelRefs))
	for _, ref := range shell.SubmodelRefs {
		if sm, ok := byID[ref]; ok {
			out = append(out, sm)
		}
	}
	return out
}

// LoadEnvironment decodes an AAS environment from a JSON file.
func LoadEnvironment(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment %s: %w", path, err)
	}
	var env Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode environment %s: %w", path, err)
	}
	return &env, nil
}

// LeafKind classifies a leaf record per the element it came from.
type LeafKind string

// Leaf kinds
const (
	LeafProperty     LeafKind = "Property"
	LeafRange        LeafKind = "Range"
	LeafReference    LeafKind = "ReferenceElement"
	LeafEntity       LeafKind = "Entity"
	LeafRelationship LeafKind = "Relationship"
	LeafFile         LeafKind = "File"
	LeafBlob         LeafKind = "Blob"
)

// LeafRecord is one observable leaf of a submodel: the unit flowing
// through the publish pipeline. Path segments are verbatim; escaping
// happens only during topic composition.
type LeafRecord struct {
	AssetURI           string
	SubmodelID         string
	SubmodelIDShort    string
	Path               []string
	Kind               LeafKind
	Value              Value
	ValueType          string
	SemanticID         string
	SemanticKeys       []string
	SubmodelSemanticID string
	Unit               string
	SourceTimestamp    int64
	OriginURI          string
}

// PathKey joins the path for map keys and logs. Not topic-escaped.
func (r LeafRecord) PathKey() string {
	key := ""
	for i, seg := range r.Path {
		if i > 0 {
			key += "/"
		}
		key += seg
	}
	return key
}

// MetricName is the Sparkplug metric name for this leaf:
// "{submodelIdShort}/{path...}".
func (r LeafRecord) MetricName() string {
	return r.SubmodelIDShort + "/" + r.PathKey()
}

// TraversalError reports a malformed element; the snapshot continues.
type TraversalError struct {
	AssetURI   string
	SubmodelID string
	Path       []string
	Err        error
}

// Error implements the error interface
func (e TraversalError) Error() string {
	return fmt.Sprintf("traversal %s/%s at %v: %v", e.AssetURI, e.SubmodelID, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e TraversalError) Unwrap() error { return e.Err }
