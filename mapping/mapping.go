package mapping

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AssetAddress is the ISA-95 hierarchy address of an asset. All five
// segments are non-empty and topic-safe (no '/', '+' or '#').
type AssetAddress struct {
	Enterprise string
	Site       string
	Area       string
	Line       string
	Asset      string
}

// Segments returns the address levels in order.
func (a AssetAddress) Segments() []string {
	return []string{a.Enterprise, a.Site, a.Area, a.Line, a.Asset}
}

// Prefix returns the slash-joined address.
func (a AssetAddress) Prefix() string {
	return strings.Join(a.Segments(), "/")
}

// Level holds one configured hierarchy mapping.
type Level struct {
	Enterprise string `yaml:"enterprise"`
	Site       string `yaml:"site"`
	Area       string `yaml:"area"`
	Line       string `yaml:"line"`
	Asset      string `yaml:"asset"`
}

// Pattern is a glob-matched hierarchy mapping.
type Pattern struct {
	Pattern    string `yaml:"pattern"`
	Enterprise string `yaml:"enterprise"`
	Site       string `yaml:"site"`
	Area       string `yaml:"area"`
	Line       string `yaml:"line"`
	Asset      string `yaml:"asset"`
}

// Document is the mapping configuration file.
type Document struct {
	Default  Level            `yaml:"default"`
	Assets   map[string]Level `yaml:"assets"`
	Patterns []Pattern        `yaml:"patterns"`
}

// LoadDocument reads a mapping document from a YAML file. A missing
// path yields the built-in default.
func LoadDocument(file string) (*Document, error) {
	if file == "" {
		return &Document{Default: Level{Enterprise: "Default"}}, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Default: Level{Enterprise: "Default"}}, nil
		}
		return nil, fmt.Errorf("read mappings %s: %w", file, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode mappings %s: %w", file, err)
	}
	if doc.Default.Enterprise == "" {
		doc.Default.Enterprise = "Default"
	}
	return &doc, nil
}

// Resolver maps asset URIs to addresses. Resolution is memoized: an
// assetURI resolves to the same address for the process lifetime, and
// the reverse index answers command-topic lookups.
type Resolver struct {
	doc *Document

	mu      sync.RWMutex
	cache   map[string]AssetAddress
	reverse map[AssetAddress]string
}

// NewResolver creates a resolver over a mapping document.
func NewResolver(doc *Document) *Resolver {
	return &Resolver{
		doc:     doc,
		cache:   make(map[string]AssetAddress),
		reverse: make(map[AssetAddress]string),
	}
}

// Resolve returns the address for an asset URI. Resolution order: exact
// asset entry, first matching glob pattern, default. It always succeeds.
func (r *Resolver) Resolve(assetURI string) AssetAddress {
	r.mu.RLock()
	if addr, ok := r.cache[assetURI]; ok {
		r.mu.RUnlock()
		return addr
	}
	r.mu.RUnlock()

	level := r.lookup(assetURI)

	assetName := level.Asset
	if assetName == "" {
		assetName = tailSegment(assetURI)
	}

	addr := AssetAddress{
		Enterprise: SanitizeSegment(level.Enterprise),
		Site:       SanitizeSegment(level.Site),
		Area:       SanitizeSegment(level.Area),
		Line:       SanitizeSegment(level.Line),
		Asset:      SanitizeSegment(assetName),
	}

	r.mu.Lock()
	// First resolution wins so concurrent calls stay consistent.
	if existing, ok := r.cache[assetURI]; ok {
		addr = existing
	} else {
		r.cache[assetURI] = addr
		if _, taken := r.reverse[addr]; !taken {
			r.reverse[addr] = assetURI
		}
	}
	r.mu.Unlock()
	return addr
}

// AssetURIFor inverts Resolve for addresses seen during this process.
func (r *Resolver) AssetURIFor(addr AssetAddress) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uri, ok := r.reverse[addr]
	return uri, ok
}

func (r *Resolver) lookup(assetURI string) Level {
	if level, ok := r.doc.Assets[assetURI]; ok {
		return level
	}
	for _, p := range r.doc.Patterns {
		if GlobMatch(p.Pattern, assetURI) {
			return Level{
				Enterprise: p.Enterprise,
				Site:       p.Site,
				Area:       p.Area,
				Line:       p.Line,
				Asset:      p.Asset,
			}
		}
	}
	return r.doc.Default
}

// tailSegment extracts a usable asset name from the end of a URI.
func tailSegment(assetURI string) string {
	s := assetURI
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "#"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
