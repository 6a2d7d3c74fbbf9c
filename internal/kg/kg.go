// Package kg emits EarCrawler's regulatory knowledge graph (C4): a named
// graph per snapshot digest, built from canonical corpus documents and
// §4.1 IRIs, carrying provenance (dct:source, prov:wasDerivedFrom,
// dct:issued pinned to SOURCE_DATE_EPOCH). External references are
// attached as owl:sameAs literals, never canonical section ids.
package kg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"earcrawler/internal/corpus"
	"earcrawler/internal/errs"
	"earcrawler/internal/ident"
	"earcrawler/internal/logging"

	"github.com/spdx/gordf/rdfwriter"
)

const (
	predType         = "rdf:type"
	predSource       = "dct:source"
	predDerivedFrom  = "prov:wasDerivedFrom"
	predIssued       = "dct:issued"
	predText         = "ear:text"
	predTitle        = "ear:title"
	predPartOf       = "ear:partOfSection"
	predSameAs       = "owl:sameAs"
	classSection     = "ear:Section"
	classSectionPart = "ear:SectionPart"
)

// Term is an RDF term: an IRI, or a literal when Literal is set. Blank
// nodes are not represented.
type Term struct {
	Value   string
	Literal bool
}

func iriTerm(v string) Term    { return Term{Value: v} }
func literalTerm(v string) Term { return Term{Value: v, Literal: true} }

// Quad is one RDF statement in a named graph.
type Quad struct {
	Subject   Term
	Predicate Term
	Object    Term
	Graph     string
}

// Manifest describes a KG build: the data spec.md §4.4 requires under
// kg/.kgstate/manifest.json.
type Manifest struct {
	SchemaVersion string `json:"schema_version"`
	SnapshotDigest string `json:"snapshot_digest"`
	GraphIRI      string `json:"graph_iri"`
	QuadCount     int    `json:"quad_count"`
	KGDigest      string `json:"kg_digest"`
	IssuedAt      string `json:"issued_at"`
}

const SchemaVersion = "ear-kg.v1"

// BuildGraph produces the canonical quad set for a built corpus. sourceDateEpoch
// pins dct:issued so two builds of the same corpus produce byte-identical output.
func BuildGraph(docs []corpus.Document, snapshotDigest string, sourceDateEpoch time.Time) ([]Quad, error) {
	timer := logging.StartTimer(logging.CategoryKG, "BuildGraph")
	defer timer.Stop()

	graphIRI := ident.NamedGraphIRI(snapshotDigest)
	issued := sourceDateEpoch.UTC().Format(time.RFC3339)

	seenSections := make(map[string]bool)
	var quads []Quad

	for _, doc := range docs {
		sectionIRI, err := ident.BuildSectionIRI(doc.SectionID)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, fmt.Sprintf("build section IRI for %s", doc.SectionID), err)
		}

		if !seenSections[sectionIRI] {
			seenSections[sectionIRI] = true
			quads = append(quads,
				Quad{iriTerm(sectionIRI), iriTerm(predType), iriTerm(classSection), graphIRI},
				Quad{iriTerm(sectionIRI), iriTerm(predSource), literalTerm(doc.SourceRef), graphIRI},
				Quad{iriTerm(sectionIRI), iriTerm(predDerivedFrom), literalTerm(snapshotDigest), graphIRI},
				Quad{iriTerm(sectionIRI), iriTerm(predIssued), literalTerm(issued), graphIRI},
			)
			if doc.Title != "" {
				quads = append(quads, Quad{iriTerm(sectionIRI), iriTerm(predTitle), literalTerm(doc.Title), graphIRI})
			}
		}

		partIRI := sectionIRI + "/" + doc.DocID[strings.IndexByte(doc.DocID, '#')+1:]
		quads = append(quads,
			Quad{iriTerm(partIRI), iriTerm(predType), iriTerm(classSectionPart), graphIRI},
			Quad{iriTerm(partIRI), iriTerm(predPartOf), iriTerm(sectionIRI), graphIRI},
			Quad{iriTerm(partIRI), iriTerm(predText), literalTerm(doc.Text), graphIRI},
		)
		if doc.URL != "" {
			// External references are attached as owl:sameAs literals, never
			// canonical section ids, so downstream consumers cannot mistake an
			// upstream URL for an EarCrawler identifier.
			quads = append(quads, Quad{iriTerm(partIRI), iriTerm(predSameAs), literalTerm(doc.URL), graphIRI})
		}
	}

	sortQuads(quads)
	return quads, nil
}

func sortQuads(quads []Quad) {
	sort.Slice(quads, func(i, j int) bool {
		a, b := quads[i], quads[j]
		if a.Subject.Value != b.Subject.Value {
			return a.Subject.Value < b.Subject.Value
		}
		if a.Predicate.Value != b.Predicate.Value {
			return a.Predicate.Value < b.Predicate.Value
		}
		if a.Object.Value != b.Object.Value {
			return a.Object.Value < b.Object.Value
		}
		return a.Graph < b.Graph
	})
}

// CanonicalNQuads serializes quads as sorted, byte-stable N-Quads: one
// statement per line, LF-only, trailing newline. gordf's RDF/XML writer
// (see ExportRDFXML) does not guarantee a stable statement order, so the
// primary determinism-bearing format is this in-house canonical encoding.
func CanonicalNQuads(quads []Quad) []byte {
	sorted := make([]Quad, len(quads))
	copy(sorted, quads)
	sortQuads(sorted)

	var buf strings.Builder
	for _, q := range sorted {
		buf.WriteString(termToNQuads(q.Subject))
		buf.WriteByte(' ')
		buf.WriteString(termToNQuads(q.Predicate))
		buf.WriteByte(' ')
		buf.WriteString(termToNQuads(q.Object))
		buf.WriteByte(' ')
		buf.WriteString("<" + q.Graph + ">")
		buf.WriteString(" .\n")
	}
	return []byte(buf.String())
}

func termToNQuads(t Term) string {
	if t.Literal {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(t.Value)
		return `"` + escaped + `"`
	}
	return "<" + t.Value + ">"
}

// ParseNQuads is the exact inverse of CanonicalNQuads, used by the
// validation gate's round-trip check to simulate "load into the SPARQL
// endpoint and dump back": one "<s> <p> obj <g> ." statement per line,
// where obj is either a quoted literal or a bracketed IRI.
func ParseNQuads(data []byte) ([]Quad, error) {
	var quads []Quad
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSuffix(line, " .")

		subj, rest, ok := parseNQuadsTerm(line)
		if !ok {
			return nil, fmt.Errorf("line %d: missing subject", lineNo+1)
		}
		pred, rest, ok := parseNQuadsTerm(strings.TrimSpace(rest))
		if !ok {
			return nil, fmt.Errorf("line %d: missing predicate", lineNo+1)
		}
		obj, rest, ok := parseNQuadsTerm(strings.TrimSpace(rest))
		if !ok {
			return nil, fmt.Errorf("line %d: missing object", lineNo+1)
		}
		graph, _, ok := parseNQuadsTerm(strings.TrimSpace(rest))
		if !ok {
			return nil, fmt.Errorf("line %d: missing graph", lineNo+1)
		}

		quads = append(quads, Quad{Subject: subj, Predicate: pred, Object: obj, Graph: graph.Value})
	}
	return quads, nil
}

// parseNQuadsTerm reads one leading term (a quoted literal or a bracketed
// IRI) off s and returns it along with the unconsumed remainder.
func parseNQuadsTerm(s string) (Term, string, bool) {
	if s == "" {
		return Term{}, "", false
	}
	switch s[0] {
	case '<':
		end := strings.IndexByte(s, '>')
		if end == -1 {
			return Term{}, "", false
		}
		return iriTerm(s[1:end]), s[end+1:], true
	case '"':
		unescaped := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n")
		i := 1
		for i < len(s) {
			if s[i] == '\\' {
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			i++
		}
		if i >= len(s) {
			return Term{}, "", false
		}
		return literalTerm(unescaped.Replace(s[1:i])), s[i+1:], true
	default:
		return Term{}, "", false
	}
}

// Digest computes the kg_digest: SHA-256 over the canonical N-Quads bytes.
func Digest(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// Write emits kg.nq, kg/.kgstate/manifest.json, and an RDF/XML export under outDir.
func Write(outDir string, quads []Quad, snapshotDigest string, sourceDateEpoch time.Time) (Manifest, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Manifest{}, errs.Wrap(errs.InvalidInput, "create kg output directory", err)
	}
	stateDir := filepath.Join(outDir, ".kgstate")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return Manifest{}, errs.Wrap(errs.InvalidInput, "create kgstate directory", err)
	}

	serialized := CanonicalNQuads(quads)
	if err := os.WriteFile(filepath.Join(outDir, "kg.nq"), serialized, 0644); err != nil {
		return Manifest{}, errs.Wrap(errs.IntegrityFailure, "write kg.nq", err)
	}

	if err := ExportRDFXML(quads, filepath.Join(outDir, "kg.rdf")); err != nil {
		logging.Get(logging.CategoryKG).Warn("RDF/XML export failed (non-fatal, kg.nq remains canonical): %v", err)
	}

	manifest := Manifest{
		SchemaVersion:  SchemaVersion,
		SnapshotDigest: snapshotDigest,
		GraphIRI:       ident.NamedGraphIRI(snapshotDigest),
		QuadCount:      len(quads),
		KGDigest:       Digest(serialized),
		IssuedAt:       sourceDateEpoch.UTC().Format(time.RFC3339),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, errs.Wrap(errs.InvalidInput, "marshal kg manifest", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "manifest.json"), append(manifestBytes, '\n'), 0644); err != nil {
		return Manifest{}, errs.Wrap(errs.IntegrityFailure, "write kg manifest", err)
	}

	logging.KG("wrote KG: %d quads, digest=%s", len(quads), manifest.KGDigest)
	return manifest, nil
}

// ExportRDFXML writes an auxiliary RDF/XML rendering of the graph via
// gordf's triple writer. This is a convenience export for RDF tooling that
// expects XML; kg.nq remains the canonical, integrity-checked artifact.
func ExportRDFXML(quads []Quad, path string) error {
	triples := make([]*rdfwriter.Triple, 0, len(quads))
	for _, q := range quads {
		triples = append(triples, &rdfwriter.Triple{
			Subject:   q.Subject.Value,
			Predicate: q.Predicate.Value,
			Object:    q.Object.Value,
			IsLiteral: q.Object.Literal,
		})
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "create RDF/XML output", err)
	}
	defer f.Close()
	if err := rdfwriter.WriteTriples(f, triples); err != nil {
		return errs.Wrap(errs.IntegrityFailure, "write RDF/XML", err)
	}
	return nil
}
