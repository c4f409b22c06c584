// Package ontology holds the versioned vocabulary snapshot shared by the
// prefilter and the extractor: primary terms, test names, exclusions,
// cancer types, context and evidence terms, plus billing-code patterns.
// Both stages score and validate against the same snapshot so their view
// of "relevant" never drifts apart.
package ontology

import (
	_ "embed"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed terms.yaml
var defaultTerms []byte

// TestName is a recognized commercial assay with optional aliases.
type TestName struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// Snapshot is one immutable vocabulary version. Loaded once at startup;
// every TriageResult and ExtractionResult records the version it was
// produced under.
type Snapshot struct {
	Version        string     `yaml:"version"`
	PrimaryTerms   []string   `yaml:"primary_terms"`
	TestNames      []TestName `yaml:"test_names"`
	ExclusionTerms []string   `yaml:"exclusion_terms"`
	CancerTypes    []string   `yaml:"cancer_types"`
	ContextTerms   []string   `yaml:"context_terms"`
	EvidenceTerms  []string   `yaml:"evidence_terms"`
}

var (
	defaultOnce sync.Once
	defaultSnap *Snapshot
)

// Default returns the embedded vocabulary snapshot.
func Default() *Snapshot {
	defaultOnce.Do(func() {
		snap, err := parse(defaultTerms)
		if err != nil {
			// The embedded snapshot is validated by tests; a parse
			// failure here is a build defect.
			panic(err)
		}
		defaultSnap = snap
	})
	return defaultSnap
}

// LoadFile reads a vocabulary snapshot from a YAML file, for deployments
// that override the embedded terms.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read ontology file %s", path)
	}
	return parse(data)
}

func parse(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "parse ontology yaml")
	}
	if snap.Version == "" {
		return nil, eris.New("ontology snapshot missing version")
	}
	if len(snap.PrimaryTerms) == 0 && len(snap.TestNames) == 0 {
		return nil, eris.New("ontology snapshot has no positive vocabulary")
	}
	return &snap, nil
}

// AllTestTerms returns every test name and alias, normalized for matching.
func (s *Snapshot) AllTestTerms() []string {
	var terms []string
	for _, tn := range s.TestNames {
		terms = append(terms, NormalizeName(tn.Name))
		for _, a := range tn.Aliases {
			terms = append(terms, NormalizeName(a))
		}
	}
	return terms
}

// CanonicalTestName maps a matched term back to its canonical test name.
// Returns "" when the term is not in the snapshot.
func (s *Snapshot) CanonicalTestName(term string) string {
	norm := NormalizeName(term)
	for _, tn := range s.TestNames {
		if NormalizeName(tn.Name) == norm {
			return tn.Name
		}
		for _, a := range tn.Aliases {
			if NormalizeName(a) == norm {
				return tn.Name
			}
		}
	}
	return ""
}

var separators = strings.NewReplacer("®", "", "™", "", "-", " ", "_", " ", "/", " ")

// NormalizeName lowercases a test or term name, strips trademark marks,
// and collapses separators. Used for vocabulary matching and for the
// reconciler's testId lookup so that "Guardant-Reveal®" and
// "guardant reveal" resolve to the same key.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(separators.Replace(strings.ToLower(name))), " ")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// MatchText prepares document text for term matching: lowercased,
// punctuation replaced by spaces, whitespace collapsed, padded so every
// term match is word-bounded.
func MatchText(text string) string {
	return " " + strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(text), " ")) + " "
}

// ContainsTerm reports whether matchText (from MatchText) contains the
// term on word boundaries.
func ContainsTerm(matchText, term string) bool {
	t := strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(term), " "))
	if t == "" {
		return false
	}
	return strings.Contains(matchText, " "+t+" ")
}

// Billing-code patterns. PLA codes are four digits plus U; CPT codes are
// five digits; HCPCS level II codes are a letter plus four digits.
var (
	PLAPattern   = regexp.MustCompile(`\b\d{4}U\b`)
	CPTPattern   = regexp.MustCompile(`\b\d{5}\b`)
	HCPCSPattern = regexp.MustCompile(`\b[A-Z]\d{4}\b`)

	// NumericID gates pubmed identifiers.
	NumericID = regexp.MustCompile(`^[0-9]+$`)
)
