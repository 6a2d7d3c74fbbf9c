// Package api defines EarCrawler's read-only API contracts (C9): request/
// response types, a problem-details error model, and middleware-shaped
// rate limiting, body-size, timeout, and concurrency guards. The
// transport framework itself is out of scope — these are plain
// http.Handler-compatible building blocks any mux can mount.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"earcrawler/internal/errs"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MaxBodyBytes is the hard per-request body cap (spec.md §4.9).
const MaxBodyBytes = 32 * 1024

// RequestTimeout is the per-request deadline.
const RequestTimeout = 5 * time.Second

// MaxInFlight is the in-flight concurrency ceiling across all endpoints.
const MaxInFlight = 16

// ProblemDetails is RFC-7807-shaped, with a stable trace_id every
// response (success or failure) can be correlated against.
type ProblemDetails struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id"`
}

// kindStatus maps the error taxonomy to HTTP status codes.
var kindStatus = map[errs.Kind]int{
	errs.InvalidInput:       http.StatusBadRequest,
	errs.ContractViolation:  http.StatusUnprocessableEntity,
	errs.IntegrityFailure:   http.StatusConflict,
	errs.AuthorizationDenied: http.StatusForbidden,
	errs.ResourceExhausted:  http.StatusTooManyRequests,
	errs.Upstream:           http.StatusBadGateway,
	errs.Timeout:            http.StatusGatewayTimeout,
	errs.NotFound:           http.StatusNotFound,
	errs.Conflict:           http.StatusConflict,
}

// ProblemFor renders a ProblemDetails for err, mapping its errs.Kind (or
// defaulting to 500 for an unclassified error) to an HTTP status.
func ProblemFor(err error, traceID string) ProblemDetails {
	status := http.StatusInternalServerError
	title := "internal_error"
	if kind, ok := errs.KindOf(err); ok {
		if s, known := kindStatus[kind]; known {
			status = s
		}
		title = string(kind)
	}
	return ProblemDetails{
		Type:    "https://ear.example.org/problems/" + title,
		Title:   title,
		Status:  status,
		Detail:  err.Error(),
		TraceID: traceID,
	}
}

// WriteProblem writes a ProblemDetails as application/problem+json.
func WriteProblem(w http.ResponseWriter, p ProblemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// HealthStatus is the /health response shape: liveness is always true if
// the process can respond at all; readiness reflects dependency checks.
type HealthStatus struct {
	Live  bool              `json:"live"`
	Ready bool               `json:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

// EntityResponse backs GET /v1/entities/{id}.
type EntityResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source"`
	DerivedFrom string `json:"derived_from"`
	IssuedAt    string `json:"issued_at"`
}

// SearchRequest backs POST /v1/search.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// SearchHit is one /v1/search result.
type SearchHit struct {
	DocID      string  `json:"doc_id"`
	SectionID  string  `json:"section_id"`
	Similarity float64 `json:"similarity"`
}

// SearchResponse backs POST /v1/search.
type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}

// SPARQLRequest backs POST /v1/sparql. TemplateName must match one of
// the server's allowlisted templates; Params fills its placeholders.
// Arbitrary SPARQL text is never accepted.
type SPARQLRequest struct {
	TemplateName string            `json:"template"`
	Params       map[string]string `json:"params"`
}

// SPARQLResponse wraps the raw bindings a SPARQL endpoint returned.
type SPARQLResponse struct {
	Bindings []map[string]string `json:"bindings"`
}

// LineageResponse backs GET /v1/lineage/{id}: the provenance chain for
// one entity, as recovered from the KG's prov:wasDerivedFrom edges.
type LineageResponse struct {
	ID    string   `json:"id"`
	Chain []string `json:"chain"`
}

// RAGQueryRequest backs POST /v1/rag/query.
type RAGQueryRequest struct {
	Question string `json:"question"`
}

// RAGQueryResponse mirrors rag.Answer without importing internal/rag, so
// the API's wire contract can evolve independently of the pipeline's
// internal representation.
type RAGQueryResponse struct {
	Label         string     `json:"label"`
	Answer        string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	Rationale     string     `json:"rationale,omitempty"`
	RefusalReason string     `json:"refusal_reason,omitempty"`
	Grounded      bool       `json:"grounded"`
}

// Citation mirrors rag.Citation for the same reason as RAGQueryResponse.
type Citation struct {
	SectionID string  `json:"section_id"`
	DocID     string  `json:"doc_id"`
	Score     float64 `json:"score"`
}

// Middleware is the transport-agnostic handler-wrapping shape every
// guard below implements.
type Middleware func(http.Handler) http.Handler

// TraceID generates a request trace id, used for ProblemDetails and
// response headers alike.
func TraceID() string { return uuid.NewString() }

// WithTraceID injects a per-request trace id into the context and an
// X-Trace-Id response header.
func WithTraceID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := TraceID()
			w.Header().Set("X-Trace-Id", id)
			ctx := context.WithValue(r.Context(), traceIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type traceIDKey struct{}

// TraceIDFromContext recovers the trace id WithTraceID attached.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithBodyLimit caps the request body to MaxBodyBytes.
func WithBodyLimit() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// WithTimeout bounds request handling to RequestTimeout.
func WithTimeout() Middleware {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, RequestTimeout, "request timed out")
	}
}

// ConcurrencyLimiter enforces the in-flight request ceiling across every
// endpoint it wraps, rejecting over-ceiling requests as ResourceExhausted
// rather than queueing them indefinitely.
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter builds a limiter admitting at most max requests.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	if max <= 0 {
		max = MaxInFlight
	}
	return &ConcurrencyLimiter{sem: make(chan struct{}, max)}
}

// Middleware returns the http.Handler wrapper for this limiter.
func (c *ConcurrencyLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case c.sem <- struct{}{}:
				defer func() { <-c.sem }()
				next.ServeHTTP(w, r)
			default:
				traceID := TraceIDFromContext(r.Context())
				WriteProblem(w, ProblemFor(errs.New(errs.ResourceExhausted, "in-flight concurrency ceiling reached"), traceID))
			}
		})
	}
}

// RateLimitTier names the two identity classes spec.md §4.9 defines.
type RateLimitTier struct {
	RatePerMinute int
	Burst         int
}

// AnonymousTier and KeyedTier are the spec.md §4.9 budgets.
var (
	AnonymousTier = RateLimitTier{RatePerMinute: 30, Burst: 10}
	KeyedTier     = RateLimitTier{RatePerMinute: 120, Burst: 20}
)

// RateLimiter keeps one token bucket per identity (IP or key hash).
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	anon     RateLimitTier
	keyed    RateLimitTier
}

// NewRateLimiter builds a per-identity limiter using the given tiers.
func NewRateLimiter(anon, keyed RateLimitTier) *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter), anon: anon, keyed: keyed}
}

func (rl *RateLimiter) limiterFor(identity string, keyed bool) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.buckets[identity]; ok {
		return l
	}
	tier := rl.anon
	if keyed {
		tier = rl.keyed
	}
	l := rate.NewLimiter(rate.Limit(float64(tier.RatePerMinute)/60.0), tier.Burst)
	rl.buckets[identity] = l
	return l
}

// Allow reports whether identity may proceed, and the tier's current
// remaining/limit/reset values for X-RateLimit-* headers.
func (rl *RateLimiter) Allow(identity string, keyed bool) (bool, RateLimitStatus) {
	limiter := rl.limiterFor(identity, keyed)
	tier := rl.anon
	if keyed {
		tier = rl.keyed
	}
	allowed := limiter.Allow()
	tokens := int(limiter.Tokens())
	if tokens < 0 {
		tokens = 0
	}
	return allowed, RateLimitStatus{Limit: tier.RatePerMinute, Remaining: tokens, RetryAfterSeconds: 1}
}

// RateLimitStatus carries the values surfaced via X-RateLimit-* headers.
type RateLimitStatus struct {
	Limit             int
	Remaining         int
	RetryAfterSeconds int
}

// IdentityFunc extracts a rate-limit identity (IP address or API-key
// hash) from a request. Left to the caller since it depends on how auth
// is wired into the concrete transport.
type IdentityFunc func(*http.Request) (identity string, keyed bool)

// WithRateLimit applies per-identity token-bucket limiting and sets
// X-RateLimit-*/Retry-After response headers.
func WithRateLimit(rl *RateLimiter, identity IdentityFunc) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, keyed := identity(r)
			allowed, status := rl.Allow(id, keyed)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", status.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", status.Remaining))
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", status.RetryAfterSeconds))
				traceID := TraceIDFromContext(r.Context())
				WriteProblem(w, ProblemFor(errs.New(errs.ResourceExhausted, "rate limit exceeded"), traceID))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain composes middlewares in the order given, outermost first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
