package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"earcrawler/internal/corpus"
	"earcrawler/internal/kg"
	"earcrawler/internal/orchestrator"
	"earcrawler/internal/rag"
	"earcrawler/internal/store"
	"earcrawler/internal/validate"
)

var snapshotValidateCmd = &cobra.Command{
	Use:   "snapshot-validate",
	Short: "Validate an offline snapshot directory's shape before building from it",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, manifest, err := corpus.BuildFromSnapshot(cfg.Corpus.SnapshotDir, corpus.Options{
			MaxChunkTokens: cfg.Corpus.MaxChunkTokens,
			SourceRef:      cfg.Corpus.SnapshotDir,
		})
		if err != nil {
			return fmt.Errorf("snapshot invalid: %w", err)
		}
		fmt.Printf("snapshot valid: %d documents would be built (digest=%s)\n",
			len(docs), manifest.CorpusDigest)
		return nil
	},
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Run the validation and integrity gate (C5)",
}

var integrityCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check shape conformance, provenance minimum, and determinism of the emitted graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
		if err != nil {
			return err
		}
		quads, err := kg.BuildGraph(docs, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}

		shapes, err := validate.DefaultShapes()
		if err != nil {
			return err
		}

		rebuiltQuads, err := kg.BuildGraph(docs, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}
		report, err := validate.Run(shapes, quads, "", map[string][]byte{
			"kg.nq": kg.CanonicalNQuads(rebuiltQuads),
		})
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if !report.OK {
			os.Exit(1)
		}
		return nil
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Export portable configuration bundles",
}

var bundleExportProfilesCmd = &cobra.Command{
	Use:   "export-profiles",
	Short: "Export the active RAG thin-retrieval profile and context budget as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := rag.ThinRetrievalProfile{
			MinDocs:       cfg.RAG.ThinRetrievalMinCount,
			MinTopScore:   cfg.RAG.ThinRetrievalMinScore,
			MinTotalChars: cfg.RAG.ThinRetrievalMinChars,
		}
		bundle := struct {
			Profile       rag.ThinRetrievalProfile `json:"profile"`
			MaxTokens     int                      `json:"max_context_tokens"`
			CharsPerToken int                      `json:"chars_per_token"`
		}{Profile: profile, MaxTokens: cfg.RAG.MaxContextTokens, CharsPerToken: cfg.RAG.CharsPerToken}

		out, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	integrityCmd.AddCommand(integrityCheckCmd)
	bundleCmd.AddCommand(bundleExportProfilesCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full build pipeline: snapshot-validate through eval-harness",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := []orchestrator.Step{
			{Name: "snapshot-validate", Run: stepSnapshotValidate},
			{Name: "corpus-build", Run: stepCorpusBuild},
			{Name: "corpus-validate", Run: stepCorpusValidate},
			{Name: "kg-emit", Run: stepKGEmit},
			{Name: "kg-validate", Run: stepKGValidate},
			{Name: "baseline-compare", Run: stepBaselineCompare},
			{Name: "index-rebuild", Run: stepIndexRebuild},
			{Name: "eval-harness", Run: stepEvalHarness},
		}
		summary := orchestrator.Run(cmd.Context(), steps)
		out, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(out))
		if summary.ExitCode != 0 {
			os.Exit(summary.ExitCode)
		}
		return nil
	},
}

func stepSnapshotValidate(ctx context.Context, prov *orchestrator.Provenance) error {
	_, manifest, err := corpus.BuildFromSnapshot(cfg.Corpus.SnapshotDir, corpus.Options{
		MaxChunkTokens: cfg.Corpus.MaxChunkTokens, SourceRef: cfg.Corpus.SnapshotDir,
	})
	if err != nil {
		return err
	}
	prov.SnapshotDigest = manifest.CorpusDigest
	return nil
}

func stepCorpusBuild(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, manifest, err := corpus.BuildFromSnapshot(cfg.Corpus.SnapshotDir, corpus.Options{
		MaxChunkTokens: cfg.Corpus.MaxChunkTokens, SourceRef: cfg.Corpus.SnapshotDir,
	})
	if err != nil {
		return err
	}
	if err := corpus.WriteCorpus(cfg.Corpus.OutputDir, docs, manifest); err != nil {
		return err
	}
	prov.CorpusDigest = manifest.CorpusDigest
	return nil
}

func stepCorpusValidate(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, manifest, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return err
	}
	serialized, err := corpus.Serialize(docs)
	if err != nil {
		return err
	}
	if digest := corpus.Digest(serialized); digest != manifest.CorpusDigest {
		return fmt.Errorf("corpus digest mismatch: manifest=%s recomputed=%s", manifest.CorpusDigest, digest)
	}
	return nil
}

func stepKGEmit(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return err
	}
	quads, err := kg.BuildGraph(docs, prov.CorpusDigest, cfg.SourceDateEpoch())
	if err != nil {
		return err
	}
	manifest, err := kg.Write(cfg.KG.OutputDir, quads, prov.CorpusDigest, cfg.SourceDateEpoch())
	if err != nil {
		return err
	}
	prov.KGDigest = manifest.KGDigest
	return nil
}

func stepKGValidate(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return err
	}
	quads, err := kg.BuildGraph(docs, prov.CorpusDigest, cfg.SourceDateEpoch())
	if err != nil {
		return err
	}
	shapes, err := validate.DefaultShapes()
	if err != nil {
		return err
	}
	report, err := validate.Run(shapes, quads, "", nil)
	if err != nil {
		return err
	}
	if !report.OK {
		return fmt.Errorf("kg validation failed: %d shape errors, %d round-trip errors, %d missing provenance", len(report.ShapeErrors), len(report.RoundTripErrors), len(report.MissingProvenance))
	}
	return nil
}

// stepBaselineCompare rebuilds the graph and diffs its canonical N-Quads
// against the tracked baseline directory (validate.CheckBaselineDrift). A
// baseline that doesn't exist yet is bootstrapped from this build rather
// than reported as drift, so the gate only ever fires on a genuine,
// unintended change to the emitted graph.
func stepBaselineCompare(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return err
	}
	quads, err := kg.BuildGraph(docs, prov.CorpusDigest, cfg.SourceDateEpoch())
	if err != nil {
		return err
	}
	rebuilt := map[string][]byte{"kg.nq": kg.CanonicalNQuads(quads)}

	baselineDir := cfg.KG.BaselineDir
	if baselineDir == "" {
		return fmt.Errorf("kg.baseline_dir is not configured")
	}

	drift, err := validate.CheckBaselineDrift(baselineDir, rebuilt)
	if err != nil {
		return err
	}
	if len(drift) == 0 {
		return nil
	}

	var hardDrift []string
	for _, d := range drift {
		if !strings.HasSuffix(d, ": no tracked baseline") {
			hardDrift = append(hardDrift, d)
			continue
		}
		name := strings.TrimSuffix(d, ": no tracked baseline")
		if err := writeBaselineFile(baselineDir, name, rebuilt[name]); err != nil {
			return fmt.Errorf("bootstrap baseline %s: %w", name, err)
		}
	}
	if len(hardDrift) > 0 {
		return fmt.Errorf("baseline drift detected: %s", strings.Join(hardDrift, "; "))
	}
	return nil
}

func writeBaselineFile(baselineDir, name string, content []byte) error {
	if err := os.MkdirAll(baselineDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(baselineDir, name), content, 0644)
}

func stepIndexRebuild(ctx context.Context, prov *orchestrator.Provenance) error {
	docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
	if err != nil {
		return err
	}
	engine, err := newEmbeddingEngine()
	if err != nil {
		return err
	}
	idx, err := store.Open(cfg.Retrieval.IndexDir, engine)
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.Build(ctx, docs, prov.CorpusDigest)
}

func stepEvalHarness(ctx context.Context, prov *orchestrator.Provenance) error {
	_, err := runFRCoverage()
	return err
}
