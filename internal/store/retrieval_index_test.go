package store

import (
	"context"
	"testing"

	"earcrawler/internal/corpus"

	"github.com/stretchr/testify/require"
)

// fakeEngine embeds text deterministically from its byte length so tests
// don't depend on a live embedding provider.
type fakeEngine struct{}

func (fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (f fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (fakeEngine) Dimensions() int { return 4 }
func (fakeEngine) Name() string    { return "fake:v1" }

func testDocs() []corpus.Document {
	return []corpus.Document{
		{DocID: "EAR-772.1#p0001", SectionID: "EAR-772.1", Text: "short text"},
		{DocID: "EAR-734.3#p0001", SectionID: "EAR-734.3", Text: "a considerably longer passage of regulatory text"},
	}
}

func TestBuildThenSearchFindsClosestMatch(t *testing.T) {
	idx, err := Open(t.TempDir(), fakeEngine{})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Build(context.Background(), testDocs(), "digest-abc"))

	count, err := idx.DocCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)

	results, err := idx.Search(context.Background(), "short text", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "EAR-772.1#p0001", results[0].DocID)
}

func TestVerifyBindingRejectsMismatch(t *testing.T) {
	idx, err := Open(t.TempDir(), fakeEngine{})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Build(context.Background(), testDocs(), "digest-abc"))

	require.NoError(t, idx.VerifyBinding("digest-abc", "fake:v1"))
	require.Error(t, idx.VerifyBinding("digest-other", "fake:v1"))
	require.Error(t, idx.VerifyBinding("digest-abc", "other-model"))
}

func TestVerifyBindingFailsClosedBeforeBuild(t *testing.T) {
	idx, err := Open(t.TempDir(), fakeEngine{})
	require.NoError(t, err)
	defer idx.Close()

	require.Error(t, idx.VerifyBinding("anything", "anything"))
}

func TestSidecarPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, fakeEngine{})
	require.NoError(t, err)
	require.NoError(t, idx.Build(context.Background(), testDocs(), "digest-xyz"))
	idx.Close()

	reopened, err := Open(dir, fakeEngine{})
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.VerifyBinding("digest-xyz", "fake:v1"))
}
