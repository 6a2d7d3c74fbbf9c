package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"earcrawler/internal/embedding"
	"earcrawler/internal/rag"
	"earcrawler/internal/retrieval"
	"earcrawler/internal/store"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Offline evaluation harness: coverage, RAG smoke test, grounding check",
}

var evalFRCoverageCmd = &cobra.Command{
	Use:   "fr-coverage",
	Short: "Report what fraction of the built corpus carries a resolvable source reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := runFRCoverage()
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

type coverageReport struct {
	TotalDocs     int     `json:"total_docs"`
	WithSourceRef int     `json:"with_source_ref"`
	Coverage      float64 `json:"coverage"`
}

func runFRCoverage() (coverageReport, error) {
	docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return coverageReport{}, err
	}
	report := coverageReport{TotalDocs: len(docs)}
	for _, d := range docs {
		if strings.TrimSpace(d.SourceRef) != "" {
			report.WithSourceRef++
		}
	}
	if report.TotalDocs > 0 {
		report.Coverage = float64(report.WithSourceRef) / float64(report.TotalDocs)
	}
	return report, nil
}

// storeRetriever adapts internal/store.Index to rag.Retriever.
type storeRetriever struct{ idx *store.Index }

func (r storeRetriever) Search(ctx context.Context, query string, topK int) ([]rag.RetrievedDoc, error) {
	entries, err := r.idx.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]rag.RetrievedDoc, 0, len(entries))
	for _, e := range entries {
		out = append(out, rag.RetrievedDoc{DocID: e.DocID, SectionID: e.SectionID, Text: e.Text, Similarity: e.Similarity})
	}
	return out, nil
}

// extractiveGenerator synthesizes an answer directly from the
// budget-assembled context rather than calling a remote model, so the
// eval harness runs fully offline and deterministically. It quotes the
// single highest-scoring passage and cites every section it drew from.
type extractiveGenerator struct{}

func (extractiveGenerator) Generate(ctx context.Context, question string, context []retrieval.Document) (rag.GeneratedAnswer, error) {
	if len(context) == 0 {
		return rag.GeneratedAnswer{Label: string(rag.LabelUnanswerable), Text: "no supporting context was retrieved"}, nil
	}
	ids := make([]string, 0, len(context))
	for _, d := range context {
		ids = append(ids, d.SectionID)
	}
	return rag.GeneratedAnswer{
		Label:     string(rag.LabelLicenseRequired),
		Text:      context[0].Text,
		Rationale: fmt.Sprintf("drawn from %d retrieved section(s)", len(context)),
		CitedIDs:  ids,
	}, nil
}

func newEmbeddingEngine() (embedding.EmbeddingEngine, error) {
	embedCfg := embedding.FromRetrievalConfig(
		cfg.Embedding.Provider, cfg.Embedding.OllamaEndpoint, cfg.Embedding.OllamaModel,
		cfg.Embedding.GenAIAPIKey, cfg.Embedding.GenAIModel, cfg.Embedding.TaskType,
	)
	return embedding.NewEngine(embedCfg)
}

var evalRunRAGCmd = &cobra.Command{
	Use:   "run-rag [question]",
	Short: "Run the RAG pipeline end to end against the built index as an offline smoke test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEmbeddingEngine()
		if err != nil {
			return err
		}
		idx, err := store.Open(cfg.Retrieval.IndexDir, engine)
		if err != nil {
			return err
		}
		defer idx.Close()

		sidecar := idx.Sidecar()
		pipeline := rag.New(storeRetriever{idx: idx}, nil, extractiveGenerator{})
		pipelineCfg := rag.DefaultConfig(sidecar.CorpusDigest, sidecar.EmbeddingModel, cfg.RAG.GenModel)
		pipelineCfg.TopK = cfg.Retrieval.TopK
		pipelineCfg.Profile = rag.ThinRetrievalProfile{
			MinDocs: cfg.RAG.ThinRetrievalMinCount, MinTopScore: cfg.RAG.ThinRetrievalMinScore,
			MinTotalChars: cfg.RAG.ThinRetrievalMinChars,
		}
		pipelineCfg.Budget = retrieval.Budget{MaxTokens: cfg.RAG.MaxContextTokens, CharsPerToken: cfg.RAG.CharsPerToken}

		answer, err := pipeline.Answer(cmd.Context(), args[0], pipelineCfg)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(answer, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var evalCheckGroundingCmd = &cobra.Command{
	Use:   "check-grounding [question]",
	Short: "Run the RAG pipeline and fail if the answer is not grounded in its citations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEmbeddingEngine()
		if err != nil {
			return err
		}
		idx, err := store.Open(cfg.Retrieval.IndexDir, engine)
		if err != nil {
			return err
		}
		defer idx.Close()

		sidecar := idx.Sidecar()
		pipeline := rag.New(storeRetriever{idx: idx}, nil, extractiveGenerator{})
		pipelineCfg := rag.DefaultConfig(sidecar.CorpusDigest, sidecar.EmbeddingModel, cfg.RAG.GenModel)
		pipelineCfg.TopK = cfg.Retrieval.TopK

		answer, err := pipeline.Answer(cmd.Context(), args[0], pipelineCfg)
		if err != nil {
			return err
		}
		if answer.Label != rag.LabelUnanswerable && !answer.Grounded {
			return fmt.Errorf("answer carries label %q but is not grounded in any citation", answer.Label)
		}
		fmt.Printf("grounded=%v label=%s citations=%d\n", answer.Grounded, answer.Label, len(answer.Citations))
		return nil
	},
}

func init() {
	evalCmd.AddCommand(evalFRCoverageCmd, evalRunRAGCmd, evalCheckGroundingCmd)
}
