// Package rag implements the strict-output RAG pipeline (C7): retrieve,
// optionally expand via an allowlisted KG neighbor query, assemble a
// token-budgeted context, generate an answer, and enforce the contract
// in spec.md §4.7 — thin-retrieval refusal, citation grounding, and a
// closed label enum — none of which is bypassable by configuration.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"earcrawler/internal/errs"
	"earcrawler/internal/retrieval"

	"golang.org/x/sync/singleflight"
)

// Label is the closed set of export-control answer labels. Any other
// value the generator returns is an error, not a best-effort pass-through.
type Label string

const (
	LabelLicenseRequired       Label = "license_required"
	LabelNoLicenseRequired     Label = "no_license_required"
	LabelPermitted             Label = "permitted"
	LabelPermittedWithLicense  Label = "permitted_with_license"
	LabelProhibited            Label = "prohibited"
	LabelUnanswerable          Label = "unanswerable"
)

var validLabels = map[Label]bool{
	LabelLicenseRequired: true, LabelNoLicenseRequired: true, LabelPermitted: true,
	LabelPermittedWithLicense: true, LabelProhibited: true, LabelUnanswerable: true,
}

// ThinRetrievalProfile defines when retrieval is too sparse to answer
// from, per spec.md §4.7.
type ThinRetrievalProfile struct {
	MinDocs      int
	MinTopScore  float64
	MinTotalChars int
}

// DefaultProfile matches the Open Question decision recorded in DESIGN.md.
func DefaultProfile() ThinRetrievalProfile {
	return ThinRetrievalProfile{MinDocs: 2, MinTopScore: 0.35, MinTotalChars: 200}
}

// Citation is one grounded reference in an answer.
type Citation struct {
	SectionID string `json:"section_id"`
	DocID     string `json:"doc_id"`
	Score     float64 `json:"score"`
}

// Answer is the pipeline's strict output contract.
type Answer struct {
	Label         Label      `json:"label"`
	Text          string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	Rationale     string     `json:"rationale,omitempty"`
	RefusalReason string     `json:"refusal_reason,omitempty"`
	Grounded      bool       `json:"grounded"`
}

// Retriever is the subset of the retrieval index the pipeline depends on.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]RetrievedDoc, error)
}

// RetrievedDoc mirrors store.Entry without importing internal/store, so
// internal/rag does not take a direct dependency on the SQLite-backed
// index implementation.
type RetrievedDoc struct {
	DocID      string
	SectionID  string
	Text       string
	Similarity float64
	IssuedAt   int64
}

// KGExpander resolves the KG neighbors of a citation's section id using
// an allowlisted SPARQL template. Implementations own the actual SPARQL
// endpoint connection; the pipeline only ever calls this one method.
type KGExpander interface {
	ExpandNeighbors(ctx context.Context, sectionID string) ([]RetrievedDoc, error)
}

// Generator is the pluggable text generator. It must return one of the
// Label values verbatim; any other string is a ContractViolation.
type Generator interface {
	Generate(ctx context.Context, question string, context []retrieval.Document) (GeneratedAnswer, error)
}

// GeneratedAnswer is the raw shape a Generator returns, before citation
// resolution and label validation.
type GeneratedAnswer struct {
	Label     string
	Text      string
	Rationale string
	CitedIDs  []string // section ids the generator claims to have used
}

// Config bounds one pipeline instance.
type Config struct {
	TopK           int
	SnapshotDigest string
	SidecarHash    string
	ModelID        string
	Profile        ThinRetrievalProfile
	Budget         retrieval.Budget
	ExpandKG       bool
}

// DefaultConfig returns spec.md-consistent defaults.
func DefaultConfig(snapshotDigest, sidecarHash, modelID string) Config {
	return Config{
		TopK:           8,
		SnapshotDigest: snapshotDigest,
		SidecarHash:    sidecarHash,
		ModelID:        modelID,
		Profile:        DefaultProfile(),
		Budget:         retrieval.DefaultBudget(),
	}
}

// cacheEntry is what the answer cache stores: the full answer plus the
// provenance needed to explain or invalidate it later.
type cacheEntry struct {
	Answer         Answer
	SnapshotDigest string
	SidecarHash    string
	ModelID        string
}

// Pipeline composes a Retriever, an optional KGExpander, and a Generator
// behind the strict-output contract, with a singleflight-backed answer
// cache enforcing at-most-one concurrent build per cache key.
type Pipeline struct {
	retriever Retriever
	expander  KGExpander
	generator Generator

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// New constructs a Pipeline. expander may be nil to disable KG expansion.
func New(retriever Retriever, expander KGExpander, generator Generator) *Pipeline {
	return &Pipeline{
		retriever: retriever,
		expander:  expander,
		generator: generator,
		cache:     make(map[string]cacheEntry),
	}
}

// CacheKey computes H(normalized question, snapshot digest, index
// sidecar hash, model id, top_k, profile) per spec.md §4.7.
func CacheKey(question string, cfg Config) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d\x00%.4f\x00%d\x00%d",
		normalized, cfg.SnapshotDigest, cfg.SidecarHash, cfg.ModelID,
		cfg.TopK, cfg.Profile.MinTopScore, cfg.Profile.MinDocs, cfg.Profile.MinTotalChars)
	return hex.EncodeToString(h.Sum(nil))
}

// Answer runs the pipeline for one question, serving from cache when the
// full key matches and collapsing concurrent duplicate queries onto a
// single in-flight build.
func (p *Pipeline) Answer(ctx context.Context, question string, cfg Config) (Answer, error) {
	key := CacheKey(question, cfg)

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return entry.Answer, nil
	}
	p.mu.RUnlock()

	result, err, _ := p.group.Do(key, func() (interface{}, error) {
		answer, err := p.build(ctx, question, cfg)
		if err != nil {
			return Answer{}, err
		}
		p.mu.Lock()
		p.cache[key] = cacheEntry{Answer: answer, SnapshotDigest: cfg.SnapshotDigest, SidecarHash: cfg.SidecarHash, ModelID: cfg.ModelID}
		p.mu.Unlock()
		return answer, nil
	})
	if err != nil {
		return Answer{}, err
	}
	return result.(Answer), nil
}

// InvalidateBySnapshot drops every cache entry built against a snapshot
// digest other than current, since any key component changing
// invalidates the entry per spec.md §4.7.
func (p *Pipeline) InvalidateBySnapshot(current string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range p.cache {
		if v.SnapshotDigest != current {
			delete(p.cache, k)
		}
	}
}

func (p *Pipeline) build(ctx context.Context, question string, cfg Config) (Answer, error) {
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultConfig("", "", "").TopK
	}
	hits, err := p.retriever.Search(ctx, question, topK)
	if err != nil {
		return Answer{}, errs.Wrap(errs.Upstream, "retrieval search", err)
	}

	totalChars := 0
	topScore := 0.0
	for _, h := range hits {
		totalChars += len(h.Text)
		if h.Similarity > topScore {
			topScore = h.Similarity
		}
	}
	if len(hits) < cfg.Profile.MinDocs || topScore < cfg.Profile.MinTopScore || totalChars < cfg.Profile.MinTotalChars {
		return Answer{
			Label:         LabelUnanswerable,
			RefusalReason: "thin_retrieval",
			Citations:     []Citation{},
			Grounded:      false,
		}, nil
	}

	if cfg.ExpandKG && p.expander != nil {
		var expanded []RetrievedDoc
		for _, h := range hits {
			neighbors, err := p.expander.ExpandNeighbors(ctx, h.SectionID)
			if err != nil {
				continue // expansion is best-effort; retrieval alone already cleared the thin-retrieval gate
			}
			expanded = append(expanded, neighbors...)
		}
		hits = append(hits, expanded...)
	}

	bySection := make(map[string]RetrievedDoc, len(hits))
	docs := make([]retrieval.Document, 0, len(hits))
	for _, h := range hits {
		bySection[h.SectionID] = h
		docs = append(docs, retrieval.Document{
			DocID: h.DocID, SectionID: h.SectionID, Text: h.Text, Score: h.Similarity, IssuedAt: h.IssuedAt,
		})
	}
	assembled, err := retrieval.Assemble(docs, cfg.Budget)
	if err != nil {
		return Answer{}, errs.Wrap(errs.InvalidInput, "assemble context budget", err)
	}

	generated, err := p.generator.Generate(ctx, question, assembled)
	if err != nil {
		return Answer{}, errs.Wrap(errs.Upstream, "generate answer", err)
	}

	label := Label(generated.Label)
	if !validLabels[label] {
		return Answer{}, errs.Newf(errs.ContractViolation, "generator returned invalid label %q", generated.Label)
	}

	citations, droppedAny := resolveCitations(generated.CitedIDs, bySection)
	grounded := len(citations) > 0 && !droppedAny

	return Answer{
		Label:     label,
		Text:      generated.Text,
		Citations: citations,
		Rationale: generated.Rationale,
		Grounded:  grounded,
	}, nil
}

// resolveCitations keeps one citation per cited id that resolves to a
// retrieved section. Unknown ids are dropped and reported via the second
// return, so the caller can flag it; repeated ids are collapsed without
// being reported.
func resolveCitations(ids []string, bySection map[string]RetrievedDoc) ([]Citation, bool) {
	citations := make([]Citation, 0, len(ids))
	dropped := false
	seen := make(map[string]bool)
	for _, id := range ids {
		doc, ok := bySection[id]
		if !ok || seen[id] {
			dropped = dropped || !ok
			continue
		}
		seen[id] = true
		citations = append(citations, Citation{SectionID: doc.SectionID, DocID: doc.DocID, Score: doc.Similarity})
	}
	sort.Slice(citations, func(i, j int) bool { return citations[i].SectionID < citations[j].SectionID })
	return citations, dropped
}
