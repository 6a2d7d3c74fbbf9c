package api

import (
	"context"
	"sort"
	"strings"

	"earcrawler/internal/errs"
	"earcrawler/internal/ident"
	"earcrawler/internal/kg"
	"earcrawler/internal/mangle"
	"earcrawler/internal/rag"
)

// EntityIndex resolves GET /v1/entities/{id} against the emitted graph's
// quads: a subject map built once per snapshot and reused across requests.
type EntityIndex struct {
	bySubject map[string]EntityResponse
}

// BuildEntityIndex groups quads by subject into one EntityResponse per
// entity, reading dct:source, prov:wasDerivedFrom, dct:issued and
// ear:title; other predicates (rdf:type among them) are not read.
func BuildEntityIndex(quads []kg.Quad) *EntityIndex {
	idx := &EntityIndex{bySubject: make(map[string]EntityResponse)}
	for _, q := range quads {
		subject := q.Subject.Value
		e := idx.bySubject[subject]
		e.ID = subject
		switch q.Predicate.Value {
		case "dct:source":
			e.Source = q.Object.Value
		case "prov:wasDerivedFrom":
			e.DerivedFrom = q.Object.Value
		case "dct:issued":
			e.IssuedAt = q.Object.Value
		case "ear:title":
			e.Title = q.Object.Value
		}
		idx.bySubject[subject] = e
	}
	return idx
}

// Lookup returns the entity for id, or a NotFound fault. id is either a
// subject IRI or a canonical section id; a section id is resolved through
// its section IRI and echoed back as the entity's ID.
func (idx *EntityIndex) Lookup(id string) (EntityResponse, error) {
	e, ok := idx.bySubject[id]
	if !ok {
		if iri, err := ident.BuildSectionIRI(id); err == nil {
			if e, ok = idx.bySubject[iri]; ok {
				e.ID = id
			}
		}
	}
	if !ok {
		return EntityResponse{}, errs.Newf(errs.NotFound, "entity %q not found", id)
	}
	return e, nil
}

// SearchEntry mirrors the fields of store.Entry the API actually exposes.
// It is declared here rather than importing internal/store directly, so
// internal/api never pulls in the vector index's cgo/sqlite dependency
// chain just to shape a response.
type SearchEntry struct {
	DocID      string
	SectionID  string
	Similarity float64
}

// searcher is the shape a thin adapter over internal/store.Index's
// Search method (see internal/store/retrieval_index.go) must present;
// the API layer never imports internal/store directly.
type searcher interface {
	Search(ctx context.Context, query string, topK int) ([]SearchEntry, error)
}

// SearchService adapts a retrieval index's Search method to the API's
// SearchResponse contract.
type SearchService struct {
	index searcher
}

// NewSearchService wraps any index exposing Search(ctx, query, topK).
func NewSearchService(index searcher) *SearchService {
	return &SearchService{index: index}
}

// Search runs a query and shapes the result for SearchResponse.
func (s *SearchService) Search(ctx context.Context, query string, topK int) (SearchResponse, error) {
	entries, err := s.index.Search(ctx, query, topK)
	if err != nil {
		return SearchResponse{}, errs.Wrap(errs.Upstream, "search index", err)
	}
	hits := make([]SearchHit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, SearchHit{DocID: e.DocID, SectionID: e.SectionID, Similarity: e.Similarity})
	}
	return SearchResponse{Hits: hits}, nil
}

// LineageService resolves GET /v1/lineage/{id} via the Mangle proof tree
// tracer, turning a derivation trace into the flat chain of source ids
// spec.md §4.10 exposes (each node before its premises, depth-first).
type LineageService struct {
	tracer *mangle.ProofTreeTracer
}

// NewLineageService wraps a proof tree tracer built over the engine
// holding the knowledge graph's provenance facts.
func NewLineageService(tracer *mangle.ProofTreeTracer) *LineageService {
	return &LineageService{tracer: tracer}
}

// Lineage traces id's derivation and flattens it to an ordered chain.
func (s *LineageService) Lineage(ctx context.Context, id string) (LineageResponse, error) {
	query := `derivation_trace("` + id + `")?`
	trace, err := s.tracer.TraceQuery(ctx, query)
	if err != nil {
		return LineageResponse{}, errs.Wrap(errs.Upstream, "trace lineage", err)
	}
	if trace == nil || len(trace.RootNodes) == 0 {
		return LineageResponse{}, errs.Newf(errs.NotFound, "no lineage for %q", id)
	}
	var chain []string
	for _, root := range trace.RootNodes {
		chain = append(chain, flattenChain(root)...)
	}
	return LineageResponse{ID: id, Chain: chain}, nil
}

func flattenChain(node *mangle.DerivationNode) []string {
	if node == nil {
		return nil
	}
	chain := []string{node.Fact.Predicate}
	for _, child := range node.Children {
		chain = append(chain, flattenChain(child)...)
	}
	return chain
}

// SPARQLTemplate is one allowlisted, parameterized query. Arbitrary
// SPARQL text is never accepted from a caller (spec.md §4.9).
type SPARQLTemplate struct {
	Name    string
	Query   string // contains {{param}} placeholders
	Params  []string
}

// TemplateRegistry holds the fixed set of SPARQL templates /v1/sparql may
// execute.
type TemplateRegistry struct {
	templates map[string]SPARQLTemplate
}

// NewTemplateRegistry builds a registry from a fixed template set.
func NewTemplateRegistry(templates []SPARQLTemplate) *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]SPARQLTemplate, len(templates))}
	for _, t := range templates {
		r.templates[t.Name] = t
	}
	return r
}

// Resolve fills a named template's placeholders with params, rejecting
// unknown templates as ContractViolation and missing required params as
// InvalidInput — this is the allowlist boundary itself, not a convenience
// helper.
func (r *TemplateRegistry) Resolve(req SPARQLRequest) (string, error) {
	tmpl, ok := r.templates[req.TemplateName]
	if !ok {
		return "", errs.Newf(errs.ContractViolation, "unknown sparql template %q", req.TemplateName)
	}
	query := tmpl.Query
	for _, p := range tmpl.Params {
		v, ok := req.Params[p]
		if !ok {
			return "", errs.Newf(errs.InvalidInput, "missing required template param %q", p)
		}
		query = strings.ReplaceAll(query, "{{"+p+"}}", v)
	}
	return query, nil
}

// RAGService adapts rag.Pipeline to the API's wire contract.
type RAGService struct {
	pipeline *rag.Pipeline
	config   rag.Config
}

// NewRAGService wraps a pipeline with one fixed config (per-snapshot; a
// new service is built whenever the snapshot digest changes).
func NewRAGService(pipeline *rag.Pipeline, config rag.Config) *RAGService {
	return &RAGService{pipeline: pipeline, config: config}
}

// Query answers one question through the pipeline, translating its
// internal Answer type into the API's RAGQueryResponse.
func (s *RAGService) Query(ctx context.Context, question string) (RAGQueryResponse, error) {
	answer, err := s.pipeline.Answer(ctx, question, s.config)
	if err != nil {
		return RAGQueryResponse{}, err
	}
	citations := make([]Citation, 0, len(answer.Citations))
	for _, c := range answer.Citations {
		citations = append(citations, Citation{SectionID: c.SectionID, DocID: c.DocID, Score: c.Score})
	}
	sort.Slice(citations, func(i, j int) bool { return citations[i].SectionID < citations[j].SectionID })
	return RAGQueryResponse{
		Label:         string(answer.Label),
		Answer:        answer.Text,
		Citations:     citations,
		Rationale:     answer.Rationale,
		RefusalReason: answer.RefusalReason,
		Grounded:      answer.Grounded,
	}, nil
}
