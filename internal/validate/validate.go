package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"earcrawler/internal/errs"
	"earcrawler/internal/kg"
	"earcrawler/internal/logging"
	"earcrawler/internal/mangle"
)

// provenanceSchema declares the predicates of the provenance-minimum
// check. CheckProvenanceMinimum asserts only missing_provenance facts, one
// per subject its Go-side scan finds without prov:wasDerivedFrom; triple
// is declared but never populated.
const provenanceSchema = `
Decl triple(Subject, Predicate) bound [/string, /string].
Decl missing_provenance(Subject) bound [/string].
`

// Report is the outcome of running the full gate over a built graph.
type Report struct {
	ShapeErrors         []string
	RoundTripErrors     []string
	MissingProvenance   []string
	BaselineDriftPaths  []string
	DeterminismMismatch bool
	OK                  bool
}

// CheckShapes validates every Section and SectionPart node in quads
// against the registered JSON-Schema shapes.
func CheckShapes(shapes *Shapes, quads []kg.Quad) []string {
	sections := map[string]map[string]any{}
	parts := map[string]map[string]any{}

	for _, q := range quads {
		subj := q.Subject.Value
		switch q.Predicate.Value {
		case "rdf:type":
			switch q.Object.Value {
			case "ear:Section":
				entity(sections, subj)["id"] = subj
				entity(sections, subj)["type"] = "ear:Section"
			case "ear:SectionPart":
				entity(parts, subj)["id"] = subj
				entity(parts, subj)["type"] = "ear:SectionPart"
			}
		case "dct:source":
			entity(sections, subj)["source"] = q.Object.Value
		case "prov:wasDerivedFrom":
			entity(sections, subj)["derivedFrom"] = q.Object.Value
		case "dct:issued":
			entity(sections, subj)["issued"] = q.Object.Value
		case "ear:title":
			entity(sections, subj)["title"] = q.Object.Value
		case "ear:partOfSection":
			entity(parts, subj)["partOfSection"] = q.Object.Value
		case "ear:text":
			entity(parts, subj)["text"] = q.Object.Value
		case "owl:sameAs":
			entity(parts, subj)["sameAs"] = q.Object.Value
		}
	}

	var errs []string
	for id, e := range sections {
		if err := shapes.Validate("Section", e); err != nil {
			errs = append(errs, fmt.Sprintf("section %s: %v", id, err))
		}
	}
	for id, e := range parts {
		if err := shapes.Validate("SectionPart", e); err != nil {
			errs = append(errs, fmt.Sprintf("section part %s: %v", id, err))
		}
	}
	return errs
}

func entity(m map[string]map[string]any, key string) map[string]any {
	if m[key] == nil {
		m[key] = map[string]any{}
	}
	return m[key]
}

// CheckProvenanceMinimum returns the subjects typed as Section/SectionPart
// that never carry prov:wasDerivedFrom. The set comes from a scan over
// quads; each missing subject is checked with an AtomValidator and
// asserted into a Mangle engine as a missing_provenance fact, and the
// engine is not queried. An empty return means the gate passes.
func CheckProvenanceMinimum(quads []kg.Quad) ([]string, error) {
	eng, err := mangle.NewEngine(mangle.DefaultConfig(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "construct validation mangle engine", err)
	}
	if err := eng.LoadSchemaString(provenanceSchema); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "load provenance schema", err)
	}

	typed := map[string]bool{}
	derived := map[string]bool{}
	for _, q := range quads {
		if q.Predicate.Value == "rdf:type" && (q.Object.Value == "ear:Section" || q.Object.Value == "ear:SectionPart") {
			typed[q.Subject.Value] = true
		}
		if q.Predicate.Value == "prov:wasDerivedFrom" {
			derived[q.Subject.Value] = true
		}
	}

	var facts []mangle.Fact
	var missing []string
	for subj := range typed {
		if !derived[subj] {
			missing = append(missing, subj)
			facts = append(facts, mangle.Fact{Predicate: "missing_provenance", Args: []interface{}{subj}})
		}
	}
	if len(facts) == 0 {
		return nil, nil
	}

	validator := mangle.NewAtomValidator()
	if err := validator.UpdateFromSchema(provenanceSchema); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "parse provenance schema for fact validation", err)
	}
	for _, f := range facts {
		atom := mangle.FormatAtom(f.Predicate, f.Args...)
		if result := validator.ValidateAtom(atom); !result.Valid {
			return nil, errs.Wrap(errs.InvalidInput, "missing-provenance fact failed validation", fmt.Errorf("%s: %v", atom, result.Errors))
		}
	}

	if err := eng.AddFacts(facts); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "assert missing-provenance facts", err)
	}

	return missing, nil
}

// CheckRoundTrip simulates "load emitted RDF into the SPARQL endpoint
// and canonicalize back": it re-parses the canonical N-Quads serialization
// of quads and re-canonicalizes the result. A textual match means the
// dump round-trips cleanly; on mismatch it falls back to a graph-isomorphic
// comparison (same quads as a set, order and serialization aside) before
// reporting a genuine drift. An empty result means the gate passes.
func CheckRoundTrip(quads []kg.Quad) ([]string, error) {
	original := kg.CanonicalNQuads(quads)

	reparsed, err := kg.ParseNQuads(original)
	if err != nil {
		return nil, errs.Wrap(errs.IntegrityFailure, "parse canonical N-Quads for round-trip", err)
	}
	dump := kg.CanonicalNQuads(reparsed)

	if bytes.Equal(original, dump) {
		return nil, nil
	}
	if quadSetEqual(quads, reparsed) {
		return nil, nil
	}
	return []string{"round-trip dump is neither byte-equal nor graph-isomorphic to the canonical serialization"}, nil
}

// quadSetEqual reports whether two quad slices contain the same
// statements, ignoring order — the graph-isomorphism fallback for
// CheckRoundTrip. EarCrawler's graphs carry no blank nodes, so set
// equality over the stable term encoding is exact isomorphism, not an
// approximation.
func quadSetEqual(a, b []kg.Quad) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[string]int, len(a))
	for _, q := range a {
		count[quadKey(q)]++
	}
	for _, q := range b {
		key := quadKey(q)
		if count[key] == 0 {
			return false
		}
		count[key]--
	}
	return true
}

func quadKey(q kg.Quad) string {
	return fmt.Sprintf("%v|%s|%v|%s|%v|%s", q.Subject.Literal, q.Subject.Value, q.Predicate.Literal, q.Predicate.Value, q.Object.Literal, q.Object.Value) + "|" + q.Graph
}

// CheckBaselineDrift compares rebuilt bytes for each named artifact
// against a tracked baseline directory. A name in rebuilt with no baseline
// file, or whose bytes differ, is reported; files present only in the
// baseline directory are not. An empty result means no drift.
func CheckBaselineDrift(baselineDir string, rebuilt map[string][]byte) ([]string, error) {
	var drift []string
	for name, content := range rebuilt {
		baselinePath := filepath.Join(baselineDir, name)
		existing, err := os.ReadFile(baselinePath)
		if err != nil {
			if os.IsNotExist(err) {
				drift = append(drift, name+": no tracked baseline")
				continue
			}
			return nil, errs.Wrap(errs.InvalidInput, "read baseline "+name, err)
		}
		if !bytes.Equal(existing, content) {
			drift = append(drift, name+": byte mismatch against tracked baseline")
		}
	}
	return drift, nil
}

// CheckDeterminism reports whether two independently produced byte
// streams (e.g. two corpus or KG builds from the same snapshot) are
// digest-identical.
func CheckDeterminism(a, b []byte) (match bool, digestA, digestB string) {
	sa := sha256.Sum256(a)
	sb := sha256.Sum256(b)
	digestA, digestB = hex.EncodeToString(sa[:]), hex.EncodeToString(sb[:])
	return digestA == digestB, digestA, digestB
}

// Run executes every gate over one built graph and reports the
// aggregate outcome. baselineDir may be empty to skip the drift check.
func Run(shapes *Shapes, quads []kg.Quad, baselineDir string, rebuilt map[string][]byte) (Report, error) {
	report := Report{}
	report.ShapeErrors = CheckShapes(shapes, quads)

	roundTrip, err := CheckRoundTrip(quads)
	if err != nil {
		return Report{}, err
	}
	report.RoundTripErrors = roundTrip

	missing, err := CheckProvenanceMinimum(quads)
	if err != nil {
		return Report{}, err
	}
	report.MissingProvenance = missing

	if baselineDir != "" {
		drift, err := CheckBaselineDrift(baselineDir, rebuilt)
		if err != nil {
			return Report{}, err
		}
		report.BaselineDriftPaths = drift
	}

	report.OK = len(report.ShapeErrors) == 0 && len(report.RoundTripErrors) == 0 &&
		len(report.MissingProvenance) == 0 && len(report.BaselineDriftPaths) == 0
	if !report.OK {
		logging.ValidateError("validation gate failed: %d shape errors, %d round-trip, %d missing provenance, %d baseline drift", len(report.ShapeErrors), len(report.RoundTripErrors), len(report.MissingProvenance), len(report.BaselineDriftPaths))
	}
	return report, nil
}
