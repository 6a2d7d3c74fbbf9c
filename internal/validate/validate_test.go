package validate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"earcrawler/internal/corpus"
	"earcrawler/internal/kg"

	"github.com/stretchr/testify/require"
)

func sampleQuads(t *testing.T) []kg.Quad {
	t.Helper()
	docs := []corpus.Document{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "first chunk", SourceRef: "snap-1"},
		{DocID: "EAR-772.1#p0002", SectionID: "EAR-772.1", Text: "second chunk", SourceRef: "snap-1", URL: "https://example.org/ear/772.1"},
	}
	quads, err := kg.BuildGraph(docs, "digest-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return quads
}

func TestCheckShapesPassesForWellFormedGraph(t *testing.T) {
	shapes, err := DefaultShapes()
	require.NoError(t, err)

	errs := CheckShapes(shapes, sampleQuads(t))
	require.Empty(t, errs)
}

func TestCheckShapesFlagsMissingRequiredField(t *testing.T) {
	shapes, err := DefaultShapes()
	require.NoError(t, err)

	quads := []kg.Quad{
		{Subject: kg.Term{Value: "urn:ear:x"}, Predicate: kg.Term{Value: "rdf:type"}, Object: kg.Term{Value: "ear:Section"}, Graph: "g"},
	}
	errs := CheckShapes(shapes, quads)
	require.NotEmpty(t, errs)
}

func TestCheckProvenanceMinimumPassesForWellFormedGraph(t *testing.T) {
	missing, err := CheckProvenanceMinimum(sampleQuads(t))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestCheckProvenanceMinimumFlagsMissingDerivedFrom(t *testing.T) {
	quads := []kg.Quad{
		{Subject: kg.Term{Value: "urn:ear:x"}, Predicate: kg.Term{Value: "rdf:type"}, Object: kg.Term{Value: "ear:Section"}, Graph: "g"},
		{Subject: kg.Term{Value: "urn:ear:x"}, Predicate: kg.Term{Value: "dct:source"}, Object: kg.Term{Value: "snap-1", Literal: true}, Graph: "g"},
	}
	missing, err := CheckProvenanceMinimum(quads)
	require.NoError(t, err)
	require.Equal(t, []string{"urn:ear:x"}, missing)
}

func TestCheckBaselineDriftDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kg.nq"), []byte("baseline content\n"), 0644))

	drift, err := CheckBaselineDrift(dir, map[string][]byte{"kg.nq": []byte("rebuilt content\n")})
	require.NoError(t, err)
	require.Len(t, drift, 1)
}

func TestCheckBaselineDriftPassesOnMatch(t *testing.T) {
	dir := t.TempDir()
	content := []byte("identical\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kg.nq"), content, 0644))

	drift, err := CheckBaselineDrift(dir, map[string][]byte{"kg.nq": content})
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestCheckDeterminismMatchesIdenticalBytes(t *testing.T) {
	match, da, db := CheckDeterminism([]byte("same"), []byte("same"))
	require.True(t, match)
	require.Equal(t, da, db)
}

func TestCheckDeterminismDetectsMismatch(t *testing.T) {
	match, _, _ := CheckDeterminism([]byte("a"), []byte("b"))
	require.False(t, match)
}

func TestCheckRoundTripPassesForCanonicalGraph(t *testing.T) {
	errs, err := CheckRoundTrip(sampleQuads(t))
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestCheckRoundTripIgnoresInputOrdering(t *testing.T) {
	quads := sampleQuads(t)
	reordered := make([]kg.Quad, len(quads))
	copy(reordered, quads)
	reordered[0], reordered[len(reordered)-1] = reordered[len(reordered)-1], reordered[0]

	errs, err := CheckRoundTrip(reordered)
	require.NoError(t, err)
	require.Empty(t, errs, "graph-isomorphism fallback must accept a reordered but equal quad set")
}

func TestRunAggregatesAllGates(t *testing.T) {
	shapes, err := DefaultShapes()
	require.NoError(t, err)

	report, err := Run(shapes, sampleQuads(t), "", nil)
	require.NoError(t, err)
	require.True(t, report.OK)
}
