package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"earcrawler/internal/corpus"
	"earcrawler/internal/logging"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Build and inspect the deterministic document corpus (C3)",
}

var corpusBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the canonical corpus from an offline snapshot directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, manifest, err := corpus.BuildFromSnapshot(cfg.Corpus.SnapshotDir, corpus.Options{
			MaxChunkTokens: cfg.Corpus.MaxChunkTokens,
			SourceRef:      cfg.Corpus.SnapshotDir,
		})
		if err != nil {
			logging.CorpusError("build failed: %v", err)
			return err
		}
		if err := corpus.WriteCorpus(cfg.Corpus.OutputDir, docs, manifest); err != nil {
			logging.CorpusError("write failed: %v", err)
			return err
		}
		fmt.Printf("built %d documents, digest=%s\n", manifest.DocCount, manifest.CorpusDigest)
		return nil
	},
}

var corpusSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Preview the corpus a snapshot directory would build, without writing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, manifest, err := corpus.BuildFromSnapshot(cfg.Corpus.SnapshotDir, corpus.Options{
			MaxChunkTokens: cfg.Corpus.MaxChunkTokens,
			SourceRef:      cfg.Corpus.SnapshotDir,
		})
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s: %d documents would be produced, digest=%s\n",
			cfg.Corpus.SnapshotDir, len(docs), manifest.CorpusDigest)
		return nil
	},
}

var corpusValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify the on-disk corpus is internally consistent and deterministic",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, manifest, err := loadCorpus(cfg.Corpus.OutputDir)
		if err != nil {
			return err
		}

		serialized, err := corpus.Serialize(docs)
		if err != nil {
			return err
		}
		digest := corpus.Digest(serialized)
		if digest != manifest.CorpusDigest {
			return fmt.Errorf("corpus digest mismatch: manifest=%s recomputed=%s", manifest.CorpusDigest, digest)
		}
		if manifest.DocCount != len(docs) {
			return fmt.Errorf("manifest doc_count=%d but corpus.jsonl has %d documents", manifest.DocCount, len(docs))
		}
		fmt.Printf("corpus valid: %d documents, digest=%s\n", len(docs), digest)
		return nil
	},
}

func init() {
	corpusCmd.AddCommand(corpusBuildCmd, corpusValidateCmd, corpusSnapshotCmd)
}

// loadCorpus reads a previously written corpus.jsonl and manifest.json
// back into memory, the inverse of corpus.WriteCorpus.
func loadCorpus(dir string) ([]corpus.Document, corpus.Manifest, error) {
	var manifest corpus.Manifest
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, manifest, fmt.Errorf("read manifest.json: %w", err)
	}
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, manifest, fmt.Errorf("parse manifest.json: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "corpus.jsonl"))
	if err != nil {
		return nil, manifest, fmt.Errorf("read corpus.jsonl: %w", err)
	}

	var docs []corpus.Document
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var d corpus.Document
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, manifest, fmt.Errorf("parse corpus.jsonl: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, manifest, nil
}
