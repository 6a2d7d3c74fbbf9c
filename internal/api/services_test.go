package api

import (
	"context"
	"testing"
	"time"

	"earcrawler/internal/corpus"
	"earcrawler/internal/errs"
	"earcrawler/internal/kg"
	"earcrawler/internal/rag"
	"earcrawler/internal/retrieval"

	"github.com/stretchr/testify/require"
)

func sampleQuads(t *testing.T) []kg.Quad {
	t.Helper()
	docs := []corpus.Document{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "first chunk", SourceRef: "snap-1"},
	}
	quads, err := kg.BuildGraph(docs, "digest-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return quads
}

func TestBuildEntityIndexResolvesKnownSubject(t *testing.T) {
	idx := BuildEntityIndex(sampleQuads(t))
	e, err := idx.Lookup("EAR-772.1")
	require.NoError(t, err)
	require.Equal(t, "EAR-772.1", e.ID)
	require.NotEmpty(t, e.Source)
	require.NotEmpty(t, e.IssuedAt)
}

func TestBuildEntityIndexReturnsNotFoundForUnknownSubject(t *testing.T) {
	idx := BuildEntityIndex(sampleQuads(t))
	_, err := idx.Lookup("EAR-999.9")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

type fakeRetriever struct{ hits []rag.RetrievedDoc }

func (f fakeRetriever) Search(_ context.Context, _ string, _ int) ([]rag.RetrievedDoc, error) {
	return f.hits, nil
}

type fakeGenerator struct{ resp rag.GeneratedAnswer }

func (f fakeGenerator) Generate(_ context.Context, _ string, _ []retrieval.Document) (rag.GeneratedAnswer, error) {
	return f.resp, nil
}

func TestRAGServiceShapesPipelineAnswer(t *testing.T) {
	retriever := fakeRetriever{hits: []rag.RetrievedDoc{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "a long regulatory passage describing license requirements in detail for items on the Commerce Control List", Similarity: 0.8, IssuedAt: 100},
		{DocID: "EAR-734.3#p0001", SectionID: "EAR-734.3", Text: "another long regulatory passage about scope and applicability of the Export Administration Regulations", Similarity: 0.6, IssuedAt: 90},
	}}
	gen := fakeGenerator{resp: rag.GeneratedAnswer{Label: "permitted", Text: "permitted without license", CitedIDs: []string{"EAR-772.1"}}}
	pipeline := rag.New(retriever, nil, gen)
	svc := NewRAGService(pipeline, rag.DefaultConfig("d1", "s1", "m1"))

	resp, err := svc.Query(context.Background(), "is this item permitted?")
	require.NoError(t, err)
	require.Equal(t, "permitted", resp.Label)
	require.Len(t, resp.Citations, 1)
	require.Equal(t, "EAR-772.1", resp.Citations[0].SectionID)
}
