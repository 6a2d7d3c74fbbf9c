package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"earcrawler/internal/api"
	"earcrawler/internal/embedding"
	"earcrawler/internal/kg"
	"earcrawler/internal/mangle"
	"earcrawler/internal/store"
)

var kgCmd = &cobra.Command{
	Use:   "kg",
	Short: "Emit, load, serve, and query the provenance-carrying knowledge graph (C4/C9)",
}

var kgEmitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit the RDF knowledge graph from the built corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
		if err != nil {
			return err
		}
		quads, err := kg.BuildGraph(docs, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}
		manifest, err := kg.Write(cfg.KG.OutputDir, quads, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}
		fmt.Printf("emitted %d quads, kg digest=%s\n", len(quads), manifest.KGDigest)
		return nil
	},
}

var kgLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the emitted corpus into the in-memory graph/index for querying",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
		if err != nil {
			return err
		}
		quads, err := kg.BuildGraph(docs, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d quads from %s\n", len(quads), cfg.Corpus.OutputDir)
		return nil
	},
}

// searchAdapter satisfies api.searcher over internal/store.Index, whose
// Search returns []store.Entry rather than []api.SearchEntry.
type searchAdapter struct {
	idx *store.Index
}

func (a searchAdapter) Search(ctx context.Context, query string, topK int) ([]api.SearchEntry, error) {
	entries, err := a.idx.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]api.SearchEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.SearchEntry{DocID: e.DocID, SectionID: e.SectionID, Similarity: e.Similarity})
	}
	return out, nil
}

var kgServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only API (C9) over the loaded knowledge graph and index",
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, _, err := loadCorpus(cfg.Corpus.OutputDir)
		if err != nil {
			return err
		}
		quads, err := kg.BuildGraph(docs, "", cfg.SourceDateEpoch())
		if err != nil {
			return err
		}
		entityIndex := api.BuildEntityIndex(quads)

		embedCfg := embedding.FromRetrievalConfig(
			cfg.Embedding.Provider, cfg.Embedding.OllamaEndpoint, cfg.Embedding.OllamaModel,
			cfg.Embedding.GenAIAPIKey, cfg.Embedding.GenAIModel, cfg.Embedding.TaskType,
		)
		engine, err := embedding.NewEngine(embedCfg)
		if err != nil {
			return err
		}
		idx, err := store.Open(cfg.Retrieval.IndexDir, engine)
		if err != nil {
			return err
		}
		defer idx.Close()
		searchSvc := api.NewSearchService(searchAdapter{idx: idx})

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, api.HealthStatus{Live: true, Ready: true})
		})
		mux.HandleFunc("/v1/entities/", func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Path[len("/v1/entities/"):]
			e, err := entityIndex.Lookup(id)
			if err != nil {
				api.WriteProblem(w, api.ProblemFor(err, api.TraceID()))
				return
			}
			writeJSON(w, e)
		})
		mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query().Get("q")
			resp, err := searchSvc.Search(r.Context(), q, cfg.Retrieval.TopK)
			if err != nil {
				api.WriteProblem(w, api.ProblemFor(err, api.TraceID()))
				return
			}
			writeJSON(w, resp)
		})

		limiter := api.NewConcurrencyLimiter(cfg.API.MaxInFlight)
		rateLimiter := api.NewRateLimiter(
			api.RateLimitTier{RatePerMinute: cfg.API.AnonRatePerMinute, Burst: cfg.API.AnonBurst},
			api.RateLimitTier{RatePerMinute: cfg.API.KeyedRatePerMinute, Burst: cfg.API.KeyedBurst},
		)
		identity := func(r *http.Request) (string, bool) { return r.RemoteAddr, false }

		handler := api.Chain(mux,
			api.WithTraceID(),
			api.WithBodyLimit(),
			api.WithTimeout(),
			limiter.Middleware(),
			api.WithRateLimit(rateLimiter, identity),
		)

		fmt.Printf("serving on %s\n", cfg.API.Addr)
		srv := &http.Server{Addr: cfg.API.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		return srv.ListenAndServe()
	},
}

var kgQueryCmd = &cobra.Command{
	Use:   "query [datalog-query]",
	Short: "Run an ad-hoc Datalog query against the knowledge graph's fact engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := mangle.NewEngine(mangle.DefaultConfig(), nil)
		if err != nil {
			return err
		}
		defer eng.Close()

		result, err := eng.Query(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, binding := range result.Bindings {
			fmt.Println(binding)
		}
		return nil
	},
}

func init() {
	kgCmd.AddCommand(kgEmitCmd, kgLoadCmd, kgServeCmd, kgQueryCmd)
}
