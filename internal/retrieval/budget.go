// Package retrieval assembles a token-budgeted context window from
// already-scored retrieval results (C7). It is grounded on the teacher's
// tiered, percentage-budgeted context builder, generalized from "four
// tiers of code context" to "a single bounded token budget over
// retrieval-index hits with deterministic truncation": oldest source
// last, highest score first, per spec.md §4.7.
package retrieval

import (
	"sort"

	"earcrawler/internal/errs"
)

// Document is one candidate for inclusion in the assembled context.
// DocID and SectionID carry the provenance the RAG pipeline needs to
// build citations; IssuedAt orders the deterministic truncation tie-break.
type Document struct {
	DocID     string
	SectionID string
	Text      string
	Score     float64
	IssuedAt  int64 // unix seconds; source-date-epoch-pinned, not wall clock
}

// Budget bounds context assembly by an approximate token count rather
// than a raw byte count, since the text generator's limit is tokens.
type Budget struct {
	MaxTokens int
	// CharsPerToken approximates token count from rune count; 4 matches
	// the rough English-prose ratio most tokenizers land near.
	CharsPerToken int
}

// DefaultBudget returns a conservative default sized to leave headroom
// for the prompt scaffolding and the model's own answer.
func DefaultBudget() Budget {
	return Budget{MaxTokens: 4000, CharsPerToken: 4}
}

// estimateTokens approximates a document's token cost from its rune count.
func estimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	n := len([]rune(text))
	tokens := n / charsPerToken
	if n%charsPerToken != 0 {
		tokens++
	}
	return tokens
}

// Assemble orders docs by descending score (highest-score-first) and
// greedily includes them until the budget is exhausted. Ties in score are
// broken by descending IssuedAt (newest first) — among equally relevant documents, the
// oldest source is the first one dropped once the budget runs out,
// because it sorts last within its score band.
//
// Assemble never reorders within a score tie in a way that depends on
// input order: the sort is total, so two calls over the same input
// produce byte-identical output order.
func Assemble(docs []Document, budget Budget) ([]Document, error) {
	if budget.MaxTokens <= 0 {
		return nil, errs.New(errs.InvalidInput, "budget.MaxTokens must be positive")
	}

	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if sorted[i].IssuedAt != sorted[j].IssuedAt {
			return sorted[i].IssuedAt > sorted[j].IssuedAt
		}
		return sorted[i].DocID < sorted[j].DocID
	})

	var selected []Document
	spent := 0
	for _, d := range sorted {
		cost := estimateTokens(d.Text, budget.CharsPerToken)
		if spent+cost > budget.MaxTokens {
			continue
		}
		selected = append(selected, d)
		spent += cost
	}
	return selected, nil
}

// TotalTokens sums the estimated token cost of a document set under the
// given budget's chars-per-token ratio.
func TotalTokens(docs []Document, budget Budget) int {
	total := 0
	for _, d := range docs {
		total += estimateTokens(d.Text, budget.CharsPerToken)
	}
	return total
}
