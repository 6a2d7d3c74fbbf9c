package rag

import (
	"context"
	"sync/atomic"
	"testing"

	"earcrawler/internal/retrieval"

	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	hits []RetrievedDoc
	err  error
}

func (f *fakeRetriever) Search(_ context.Context, _ string, _ int) ([]RetrievedDoc, error) {
	return f.hits, f.err
}

type fakeGenerator struct {
	calls int32
	resp  GeneratedAnswer
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ []retrieval.Document) (GeneratedAnswer, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.resp, f.err
}

func richHits() []RetrievedDoc {
	return []RetrievedDoc{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "a long regulatory passage describing license requirements in detail for items on the Commerce Control List", Similarity: 0.8, IssuedAt: 100},
		{DocID: "EAR-734.3#p0001", SectionID: "EAR-734.3", Text: "another long regulatory passage about scope and applicability of the Export Administration Regulations", Similarity: 0.6, IssuedAt: 90},
	}
}

func TestAnswerRefusesOnThinRetrieval(t *testing.T) {
	retriever := &fakeRetriever{hits: []RetrievedDoc{{DocID: "a", SectionID: "EAR-1.1", Text: "short", Similarity: 0.9}}}
	gen := &fakeGenerator{}
	p := New(retriever, nil, gen)

	answer, err := p.Answer(context.Background(), "is this controlled?", DefaultConfig("d1", "s1", "m1"))
	require.NoError(t, err)
	require.Equal(t, LabelUnanswerable, answer.Label)
	require.Equal(t, "thin_retrieval", answer.RefusalReason)
	require.Empty(t, answer.Citations)
	require.Equal(t, int32(0), gen.calls)
}

func TestAnswerDropsUngroundedCitations(t *testing.T) {
	retriever := &fakeRetriever{hits: richHits()}
	gen := &fakeGenerator{resp: GeneratedAnswer{
		Label: "license_required", Text: "a license is required",
		CitedIDs: []string{"EAR-772.1", "EAR-999.9"},
	}}
	p := New(retriever, nil, gen)

	answer, err := p.Answer(context.Background(), "is a license required?", DefaultConfig("d1", "s1", "m1"))
	require.NoError(t, err)
	require.Equal(t, LabelLicenseRequired, answer.Label)
	require.Len(t, answer.Citations, 1)
	require.Equal(t, "EAR-772.1", answer.Citations[0].SectionID)
}

func TestAnswerRejectsInvalidLabel(t *testing.T) {
	retriever := &fakeRetriever{hits: richHits()}
	gen := &fakeGenerator{resp: GeneratedAnswer{Label: "maybe", CitedIDs: []string{"EAR-772.1"}}}
	p := New(retriever, nil, gen)

	_, err := p.Answer(context.Background(), "q", DefaultConfig("d1", "s1", "m1"))
	require.Error(t, err)
}

func TestAnswerServesFromCacheOnSecondCall(t *testing.T) {
	retriever := &fakeRetriever{hits: richHits()}
	gen := &fakeGenerator{resp: GeneratedAnswer{Label: "permitted", CitedIDs: []string{"EAR-772.1"}}}
	p := New(retriever, nil, gen)

	cfg := DefaultConfig("d1", "s1", "m1")
	_, err := p.Answer(context.Background(), "same question", cfg)
	require.NoError(t, err)
	_, err = p.Answer(context.Background(), "same question", cfg)
	require.NoError(t, err)
	require.Equal(t, int32(1), gen.calls)
}

func TestInvalidateBySnapshotDropsStaleEntries(t *testing.T) {
	retriever := &fakeRetriever{hits: richHits()}
	gen := &fakeGenerator{resp: GeneratedAnswer{Label: "permitted", CitedIDs: []string{"EAR-772.1"}}}
	p := New(retriever, nil, gen)

	cfg := DefaultConfig("d1", "s1", "m1")
	_, err := p.Answer(context.Background(), "q", cfg)
	require.NoError(t, err)

	p.InvalidateBySnapshot("d2")
	_, err = p.Answer(context.Background(), "q", cfg)
	require.NoError(t, err)
	require.Equal(t, int32(2), gen.calls)
}

func TestCacheKeyChangesWithAnyComponent(t *testing.T) {
	base := DefaultConfig("d1", "s1", "m1")
	other := base
	other.ModelID = "m2"
	require.NotEqual(t, CacheKey("q", base), CacheKey("q", other))
}
