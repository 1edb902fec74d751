package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Device Name", "My_Device_Name"},
		{"Sensor+Temperature", "Sensor_Temperature"},
		{"Level/SubLevel", "Level_SubLevel"},
		{"a__b", "a_b"},
		{"_trimmed_", "trimmed"},
		{"", "unnamed"},
		{"###", "unnamed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSegment(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeSegmentTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "segmentpart_"
	}
	got := SanitizeSegment(long)
	assert.LessOrEqual(t, len(got), MaxSegmentLength)
	assert.NotEmpty(t, got)
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, GlobMatch("https://example.com/*", "https://example.com/assets/pump-01"))
	assert.True(t, GlobMatch("*pump*", "https://example.com/assets/pump-01"))
	assert.True(t, GlobMatch("asset-?", "asset-7"))
	assert.False(t, GlobMatch("asset-?", "asset-77"))
	assert.False(t, GlobMatch("https://other.com/*", "https://example.com/x"))
}

func testDocument() *Document {
	return &Document{
		Default: Level{Enterprise: "Ent", Site: "Site", Area: "Area", Line: "Line"},
		Assets: map[string]Level{
			"https://example.com/assets/press-01": {
				Enterprise: "Acme", Site: "Plant1", Area: "Stamping", Line: "L1", Asset: "Press01",
			},
		},
		Patterns: []Pattern{
			{Pattern: "https://example.com/assets/pump-*", Enterprise: "Acme", Site: "Plant1", Area: "Utilities", Line: "Water"},
		},
	}
}

func TestResolveExactMatch(t *testing.T) {
	r := NewResolver(testDocument())
	addr := r.Resolve("https://example.com/assets/press-01")
	assert.Equal(t, AssetAddress{"Acme", "Plant1", "Stamping", "L1", "Press01"}, addr)
}

func TestResolvePatternMatchDerivesAssetName(t *testing.T) {
	r := NewResolver(testDocument())
	addr := r.Resolve("https://example.com/assets/pump-07")
	assert.Equal(t, "Acme", addr.Enterprise)
	assert.Equal(t, "pump-07", addr.Asset)
}

func TestResolveDefaultFallback(t *testing.T) {
	r := NewResolver(testDocument())
	addr := r.Resolve("urn:something#Mixer9")
	assert.Equal(t, "Ent", addr.Enterprise)
	assert.Equal(t, "Mixer9", addr.Asset)
}

func TestResolveIsStableAndReversible(t *testing.T) {
	r := NewResolver(testDocument())
	uri := "https://example.com/assets/pump-07"

	first := r.Resolve(uri)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Resolve(uri))
	}

	back, ok := r.AssetURIFor(first)
	require.True(t, ok)
	assert.Equal(t, uri, back)
}

func TestLoadDocumentMissingFileUsesDefault(t *testing.T) {
	doc, err := LoadDocument(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "Default", doc.Default.Enterprise)
}

func TestLoadDocumentParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	content := `
default:
  enterprise: Acme
assets:
  "https://example.com/a":
    enterprise: Acme
    site: Plant2
patterns:
  - pattern: "urn:demo:*"
    enterprise: Demo
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "Acme", doc.Default.Enterprise)
	assert.Equal(t, "Plant2", doc.Assets["https://example.com/a"].Site)
	require.Len(t, doc.Patterns, 1)
	assert.Equal(t, "Demo", doc.Patterns[0].Enterprise)
}
