package ontology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ParsesEmbeddedSnapshot(t *testing.T) {
	snap := Default()
	require.NotNil(t, snap)
	assert.NotEmpty(t, snap.Version)
	assert.NotEmpty(t, snap.PrimaryTerms)
	assert.NotEmpty(t, snap.TestNames)
	assert.NotEmpty(t, snap.ExclusionTerms)
	assert.NotEmpty(t, snap.CancerTypes)
}

func TestLoadFile_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	content := `version: "test-1"
primary_terms: [ctdna]
test_names:
  - name: Signatera
exclusion_terms: [veterinary]
cancer_types: [colorectal]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	snap, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", snap.Version)
	assert.Equal(t, []string{"ctdna"}, snap.PrimaryTerms)
}

func TestLoadFile_RejectsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("primary_terms: [ctdna]\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Guardant-Reveal®":  "guardant reveal",
		"Signatera™":        "signatera",
		"  clonoSEQ  ":      "clonoseq",
		"FoundationOne_CDx": "foundationone cdx",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), "input %q", in)
	}
}

func TestContainsTerm_WordBounded(t *testing.T) {
	text := MatchText("Signatera is covered for Stage II CRC. Effective Date: January 1, 2026.")

	assert.True(t, ContainsTerm(text, "signatera"))
	assert.True(t, ContainsTerm(text, "crc"))
	assert.True(t, ContainsTerm(text, "effective date"))
	assert.False(t, ContainsTerm(text, "rc"), "substring inside a word must not match")
	assert.False(t, ContainsTerm(text, "pancreatic"))
}

func TestCanonicalTestName(t *testing.T) {
	snap := Default()
	assert.Equal(t, "Signatera", snap.CanonicalTestName("natera signatera"))
	assert.Equal(t, "Guardant Reveal", snap.CanonicalTestName("Guardant-Reveal"))
	assert.Equal(t, "", snap.CanonicalTestName("unknown assay"))
}

func TestCodePatterns(t *testing.T) {
	assert.Equal(t, []string{"0239U"}, PLAPattern.FindAllString("Code 0239U applies.", -1))
	assert.Equal(t, []string{"81479"}, CPTPattern.FindAllString("CPT 81479 unlisted.", -1))
	assert.Equal(t, []string{"G0452"}, HCPCSPattern.FindAllString("HCPCS G0452.", -1))
	assert.Empty(t, PLAPattern.FindAllString("0239X is not a PLA code", -1))
}
