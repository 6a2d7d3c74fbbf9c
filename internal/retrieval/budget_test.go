package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembleOrdersByScoreDescending(t *testing.T) {
	docs := []Document{
		{DocID: "a", Text: "short", Score: 0.2, IssuedAt: 100},
		{DocID: "b", Text: "short", Score: 0.9, IssuedAt: 100},
		{DocID: "c", Text: "short", Score: 0.5, IssuedAt: 100},
	}
	out, err := Assemble(docs, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, ids(out))
}

func TestAssembleBreaksScoreTiesByNewestFirst(t *testing.T) {
	docs := []Document{
		{DocID: "old", Text: "short", Score: 0.5, IssuedAt: 100},
		{DocID: "new", Text: "short", Score: 0.5, IssuedAt: 200},
	}
	out, err := Assemble(docs, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, []string{"new", "old"}, ids(out))
}

func TestAssembleTruncatesToBudget(t *testing.T) {
	big := strings.Repeat("x", 4000)
	docs := []Document{
		{DocID: "keep", Text: big, Score: 0.9, IssuedAt: 100},
		{DocID: "drop", Text: big, Score: 0.1, IssuedAt: 100},
	}
	out, err := Assemble(docs, Budget{MaxTokens: 1000, CharsPerToken: 4})
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, ids(out))
}

func TestAssembleIsDeterministicAcrossRuns(t *testing.T) {
	docs := []Document{
		{DocID: "a", Text: "one", Score: 0.5, IssuedAt: 1},
		{DocID: "b", Text: "two", Score: 0.5, IssuedAt: 1},
		{DocID: "c", Text: "three", Score: 0.7, IssuedAt: 2},
	}
	out1, err := Assemble(docs, DefaultBudget())
	require.NoError(t, err)
	out2, err := Assemble(docs, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestAssembleRejectsNonPositiveBudget(t *testing.T) {
	_, err := Assemble(nil, Budget{MaxTokens: 0})
	require.Error(t, err)
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.DocID
	}
	return out
}
