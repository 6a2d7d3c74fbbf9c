package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"earcrawler/internal/errs"

	"github.com/stretchr/testify/require"
)

func TestProblemForMapsKindToStatus(t *testing.T) {
	err := errs.New(errs.NotFound, "doc_id not found")
	p := ProblemFor(err, "trace-1")
	require.Equal(t, http.StatusNotFound, p.Status)
	require.Equal(t, "not_found", p.Title)
	require.Equal(t, "trace-1", p.TraceID)
}

func TestProblemForDefaultsToInternalErrorForPlainError(t *testing.T) {
	p := ProblemFor(errors.New("unclassified failure"), "trace-2")
	require.Equal(t, http.StatusInternalServerError, p.Status)
}

func TestWithTraceIDSetsHeaderAndContext(t *testing.T) {
	var seen string
	h := WithTraceID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, rec.Header().Get("X-Trace-Id"))
}

func TestWithBodyLimitRejectsOversizedBody(t *testing.T) {
	h := WithBodyLimit()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := http.MaxBytesReader(w, r.Body, MaxBodyBytes).Read(make([]byte, MaxBodyBytes+1))
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	body := strings.NewReader(strings.Repeat("x", MaxBodyBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/v1/search", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestConcurrencyLimiterRejectsOverCeiling(t *testing.T) {
	limiter := NewConcurrencyLimiter(1)
	block := make(chan struct{})
	release := make(chan struct{})
	h := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(block)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	}()
	<-block

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	close(release)
}

func TestRateLimiterAllowsWithinBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimitTier{RatePerMinute: 60, Burst: 2}, KeyedTier)
	allowed1, _ := rl.Allow("1.2.3.4", false)
	allowed2, _ := rl.Allow("1.2.3.4", false)
	allowed3, _ := rl.Allow("1.2.3.4", false)
	require.True(t, allowed1)
	require.True(t, allowed2)
	require.False(t, allowed3)
}

func TestRateLimiterTracksIdentitiesIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitTier{RatePerMinute: 60, Burst: 1}, KeyedTier)
	allowedA, _ := rl.Allow("a", false)
	allowedB, _ := rl.Allow("b", false)
	require.True(t, allowedA)
	require.True(t, allowedB)
}

func TestWithRateLimitSetsHeadersAndBlocks(t *testing.T) {
	rl := NewRateLimiter(RateLimitTier{RatePerMinute: 60, Burst: 1}, KeyedTier)
	identity := func(r *http.Request) (string, bool) { return "same", false }
	h := WithRateLimit(rl, identity)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	require.Equal(t, http.StatusOK, rec1.Code)
	require.NotEmpty(t, rec1.Header().Get("X-RateLimit-Limit"))

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestChainComposesInOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"outer", "inner"}, order)
}

type stubSearcher struct {
	entries []SearchEntry
	err     error
}

func (s stubSearcher) Search(_ context.Context, _ string, _ int) ([]SearchEntry, error) {
	return s.entries, s.err
}

func TestSearchServiceShapesHits(t *testing.T) {
	svc := NewSearchService(stubSearcher{entries: []SearchEntry{{DocID: "d1", SectionID: "EAR-1.1", Similarity: 0.9}}})
	resp, err := svc.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	require.Equal(t, "EAR-1.1", resp.Hits[0].SectionID)
}

func TestTemplateRegistryRejectsUnknownTemplate(t *testing.T) {
	reg := NewTemplateRegistry(nil)
	_, err := reg.Resolve(SPARQLRequest{TemplateName: "nope"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ContractViolation))
}

func TestTemplateRegistryRejectsMissingParam(t *testing.T) {
	reg := NewTemplateRegistry([]SPARQLTemplate{
		{Name: "by_section", Query: "SELECT ?o WHERE { <{{section}}> ?p ?o }", Params: []string{"section"}},
	})
	_, err := reg.Resolve(SPARQLRequest{TemplateName: "by_section", Params: map[string]string{}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidInput))
}

func TestTemplateRegistryFillsParams(t *testing.T) {
	reg := NewTemplateRegistry([]SPARQLTemplate{
		{Name: "by_section", Query: "SELECT ?o WHERE { <{{section}}> ?p ?o }", Params: []string{"section"}},
	})
	query, err := reg.Resolve(SPARQLRequest{TemplateName: "by_section", Params: map[string]string{"section": "EAR-772.1"}})
	require.NoError(t, err)
	require.Equal(t, "SELECT ?o WHERE { <EAR-772.1> ?p ?o }", query)
}
