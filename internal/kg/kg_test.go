package kg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"earcrawler/internal/corpus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocs() []corpus.Document {
	return []corpus.Document{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "first chunk", SourceRef: "snap-1"},
		{DocID: "EAR-772.1#p0002", SectionID: "EAR-772.1", Text: "second chunk", SourceRef: "snap-1", URL: "https://example.org/ear/772.1"},
	}
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBuildGraphIsDeterministic(t *testing.T) {
	docs := sampleDocs()
	q1, err := BuildGraph(docs, "digest-1", epoch)
	require.NoError(t, err)
	q2, err := BuildGraph(docs, "digest-1", epoch)
	require.NoError(t, err)

	assert.Equal(t, CanonicalNQuads(q1), CanonicalNQuads(q2))
}

func TestBuildGraphEmitsSameAsForExternalURL(t *testing.T) {
	quads, err := BuildGraph(sampleDocs(), "digest-1", epoch)
	require.NoError(t, err)

	found := false
	for _, q := range quads {
		if q.Predicate.Value == predSameAs {
			found = true
			assert.True(t, q.Object.Literal, "owl:sameAs target must be a literal, never a canonical id")
			assert.Equal(t, "https://example.org/ear/772.1", q.Object.Value)
		}
	}
	assert.True(t, found, "expected an owl:sameAs statement for the external URL")
}

func TestBuildGraphEmitsOneSectionNodeForRepeatedSection(t *testing.T) {
	quads, err := BuildGraph(sampleDocs(), "digest-1", epoch)
	require.NoError(t, err)

	sectionTypeCount := 0
	for _, q := range quads {
		if q.Predicate.Value == predType && q.Object.Value == classSection {
			sectionTypeCount++
		}
	}
	assert.Equal(t, 1, sectionTypeCount)
}

func TestCanonicalNQuadsSortedByQuad(t *testing.T) {
	quads, err := BuildGraph(sampleDocs(), "digest-1", epoch)
	require.NoError(t, err)

	out := CanonicalNQuads(quads)
	reordered := make([]Quad, len(quads))
	copy(reordered, quads)
	reordered[0], reordered[len(reordered)-1] = reordered[len(reordered)-1], reordered[0]

	assert.Equal(t, out, CanonicalNQuads(reordered))
}

func TestParseNQuadsRoundTripsCanonicalSerialization(t *testing.T) {
	quads, err := BuildGraph(sampleDocs(), "digest-1", epoch)
	require.NoError(t, err)

	original := CanonicalNQuads(quads)
	reparsed, err := ParseNQuads(original)
	require.NoError(t, err)

	assert.Equal(t, original, CanonicalNQuads(reparsed))
}

func TestParseNQuadsHandlesEscapedLiterals(t *testing.T) {
	docs := []corpus.Document{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "a \"quoted\" line\nwith a break", SourceRef: "snap-1"},
	}
	quads, err := BuildGraph(docs, "digest-1", epoch)
	require.NoError(t, err)

	reparsed, err := ParseNQuads(CanonicalNQuads(quads))
	require.NoError(t, err)

	found := false
	for _, q := range reparsed {
		if q.Predicate.Value == predText {
			found = true
			assert.Equal(t, "a \"quoted\" line\nwith a break", q.Object.Value)
		}
	}
	assert.True(t, found)
}

func TestWriteProducesManifestAndNQuads(t *testing.T) {
	quads, err := BuildGraph(sampleDocs(), "digest-1", epoch)
	require.NoError(t, err)

	dir := t.TempDir()
	manifest, err := Write(dir, quads, "digest-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, len(quads), manifest.QuadCount)

	_, err = os.Stat(filepath.Join(dir, "kg.nq"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".kgstate", "manifest.json"))
	require.NoError(t, err)
}
