// Package corpus builds deterministic retrieval corpora from approved
// offline eCFR snapshots (C3).
package corpus

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"earcrawler/internal/errs"
	"earcrawler/internal/ident"
	"earcrawler/internal/logging"
)

// ChunkKind mirrors spec.md's retrieval document chunk_kind enum.
type ChunkKind string

const (
	ChunkSection    ChunkKind = "section"
	ChunkSubsection ChunkKind = "subsection"
	ChunkParagraph  ChunkKind = "paragraph"
)

// SourceKind mirrors spec.md's retrieval document source enum.
type SourceKind string

const (
	SourceSnapshot SourceKind = "ecfr_snapshot"
	SourceAPI      SourceKind = "ecfr_api"
	SourceOther    SourceKind = "other"
)

// Document is a single retrieval-corpus record.
type Document struct {
	SchemaVersion  string     `json:"schema_version"`
	DocID          string     `json:"doc_id"`
	SectionID      string     `json:"section_id"`
	Text           string     `json:"text"`
	ChunkKind      ChunkKind  `json:"chunk_kind"`
	Source         SourceKind `json:"source"`
	SourceRef      string     `json:"source_ref"`
	Title          string     `json:"title,omitempty"`
	URL            string     `json:"url,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	Ordinal        int        `json:"ordinal,omitempty"`
	TokensEstimate int        `json:"tokens_estimate,omitempty"`
	Hash           string     `json:"hash,omitempty"`
}

const SchemaVersion = "retrieval-corpus.v1"

// Manifest describes a built corpus.
type Manifest struct {
	SchemaVersion string `json:"schema_version"`
	SourceRef     string `json:"source_ref"`
	DocCount      int    `json:"doc_count"`
	CorpusDigest  string `json:"corpus_digest"`
}

// snapshotRecord is one line of an offline snapshot's snapshot.jsonl.
type snapshotRecord struct {
	SectionID string `json:"section_id"`
	Text      string `json:"text"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Options configures corpus building.
type Options struct {
	MaxChunkTokens int
	SourceRef      string
}

// BuildFromSnapshot reads snapshot.jsonl from snapshotDir, normalizes and
// chunks each record deterministically, and returns the resulting
// documents in final emission order together with the corpus manifest.
// Two calls with identical inputs and SOURCE_DATE_EPOCH produce byte-equal
// serializations (verified by Digest/Serialize, not by this function's
// return value ordering alone).
func BuildFromSnapshot(snapshotDir string, opts Options) ([]Document, Manifest, error) {
	timer := logging.StartTimer(logging.CategoryCorpus, "BuildFromSnapshot")
	defer timer.Stop()

	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = 512
	}

	path := filepath.Join(snapshotDir, "snapshot.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, Manifest{}, errs.Wrap(errs.InvalidInput, "open snapshot.jsonl", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var docs []Document

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var rec snapshotRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, Manifest{}, errs.Newf(errs.InvalidInput, "snapshot.jsonl line %d: %v", lineNo, err)
		}
		if strings.TrimSpace(rec.Text) == "" {
			return nil, Manifest{}, errs.Newf(errs.InvalidInput, "snapshot.jsonl line %d: empty text", lineNo)
		}

		sectionID, err := ident.NormalizeSectionID(rec.SectionID)
		if err != nil {
			return nil, Manifest{}, errs.Wrap(errs.InvalidInput, fmt.Sprintf("snapshot.jsonl line %d", lineNo), err)
		}
		if seen[sectionID] {
			return nil, Manifest{}, errs.Newf(errs.Conflict, "duplicate section_id %q", sectionID)
		}
		seen[sectionID] = true

		chunks := chunkText(rec.Text, opts.MaxChunkTokens)
		for i, chunk := range chunks {
			docID := fmt.Sprintf("%s#p%04d", sectionID, i+1)
			sum := sha256.Sum256([]byte(chunk))
			docs = append(docs, Document{
				SchemaVersion: SchemaVersion,
				DocID:         docID,
				SectionID:     sectionID,
				Text:          chunk,
				ChunkKind:     chunkKindFor(len(chunks), i),
				Source:        SourceSnapshot,
				SourceRef:     opts.SourceRef,
				Title:         rec.Title,
				URL:           rec.URL,
				ParentID:      sectionID,
				Ordinal:       i + 1,
				Hash:          hex.EncodeToString(sum[:]),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Manifest{}, errs.Wrap(errs.InvalidInput, "scan snapshot.jsonl", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	serialized, err := Serialize(docs)
	if err != nil {
		return nil, Manifest{}, err
	}
	digest := Digest(serialized)

	manifest := Manifest{
		SchemaVersion: SchemaVersion,
		SourceRef:     opts.SourceRef,
		DocCount:      len(docs),
		CorpusDigest:  digest,
	}
	return docs, manifest, nil
}

func chunkKindFor(total, index int) ChunkKind {
	if total == 1 {
		return ChunkSection
	}
	if index == 0 {
		return ChunkSubsection
	}
	return ChunkParagraph
}

// chunkText splits text on blank-line boundaries; any resulting chunk
// still larger than maxTokens is further split by a stable, locale-free
// whitespace rule (split on runs of whitespace, rejoin greedily up to the
// token budget).
func chunkText(text string, maxTokens int) []string {
	paragraphs := splitParagraphs(text)

	var out []string
	for _, p := range paragraphs {
		if estimateTokens(p) <= maxTokens {
			out = append(out, p)
			continue
		}
		out = append(out, splitByWhitespace(p, maxTokens)...)
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func estimateTokens(s string) int {
	return len(strings.Fields(s))
}

func splitByWhitespace(s string, maxTokens int) []string {
	words := strings.Fields(s)
	var out []string
	var current []string
	for _, w := range words {
		current = append(current, w)
		if len(current) >= maxTokens {
			out = append(out, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, " "))
	}
	return out
}

// Serialize produces the canonical byte serialization of docs: UTF-8,
// LF-only, sorted by doc_id, one JSON object per line with sorted keys,
// trailing newline.
func Serialize(docs []Document) ([]byte, error) {
	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DocID < sorted[j].DocID })

	var buf strings.Builder
	for _, d := range sorted {
		line, err := canonicalDocJSON(d)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidInput, "serialize document", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return []byte(buf.String()), nil
}

// canonicalDocJSON marshals a Document with keys in alphabetical order.
// encoding/json preserves struct-declaration order, not alphabetical
// order, so a plain json.Marshal is not enough: this round-trips through
// a raw-message map to re-sort the keys that made it past omitempty.
func canonicalDocJSON(d Document) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Digest computes the corpus_digest: SHA-256 over the canonical
// serialization.
func Digest(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// WriteCorpus writes the canonical dataset JSONL, manifest.json, and a
// checksums.sha256 covering every emitted file.
func WriteCorpus(outDir string, docs []Document, manifest Manifest) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	serialized, err := Serialize(docs)
	if err != nil {
		return err
	}

	datasetPath := filepath.Join(outDir, "corpus.jsonl")
	if err := os.WriteFile(datasetPath, serialized, 0644); err != nil {
		return fmt.Errorf("write corpus.jsonl: %w", err)
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := filepath.Join(outDir, "manifest.json")
	if err := os.WriteFile(manifestPath, append(manifestBytes, '\n'), 0644); err != nil {
		return fmt.Errorf("write manifest.json: %w", err)
	}

	checksums := checksumsFor(map[string][]byte{
		"corpus.jsonl":   serialized,
		"manifest.json":  append(manifestBytes, '\n'),
	})
	checksumsPath := filepath.Join(outDir, "checksums.sha256")
	if err := os.WriteFile(checksumsPath, []byte(checksums), 0644); err != nil {
		return fmt.Errorf("write checksums.sha256: %w", err)
	}

	logging.Corpus("wrote corpus: %d docs, digest=%s", manifest.DocCount, manifest.CorpusDigest)
	return nil
}

func checksumsFor(files map[string][]byte) string {
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf strings.Builder
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		fmt.Fprintf(&buf, "%s  %s\n", hex.EncodeToString(sum[:]), name)
	}
	return buf.String()
}
