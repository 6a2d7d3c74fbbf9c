// Package store implements the retrieval index (C6): a SQLite-backed
// vector store over a built corpus, bound to the exact corpus_digest and
// embedding model it was built from. A sidecar manifest records that
// binding so a mismatched index is detected and rejected rather than
// silently serving stale or foreign vectors.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"earcrawler/internal/corpus"
	"earcrawler/internal/embedding"
	"earcrawler/internal/errs"
	"earcrawler/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Sidecar binds an index build to the exact inputs it was built from.
// Query callers must reject an index whose sidecar does not match the
// corpus and model currently in use (fail closed, never silently stale).
type Sidecar struct {
	CorpusDigest   string    `json:"corpus_digest"`
	EmbeddingModel string    `json:"embedding_model"`
	BuiltAt        time.Time `json:"built_at"`
	DocCount       int       `json:"doc_count"`
}

func sidecarPath(indexDir string) string {
	return filepath.Join(indexDir, "index.sidecar.json")
}

// LoadSidecar reads the sidecar for an existing index, or errs.NotFound if
// none exists yet.
func LoadSidecar(indexDir string) (Sidecar, error) {
	data, err := os.ReadFile(sidecarPath(indexDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Sidecar{}, errs.Wrap(errs.NotFound, "index sidecar", err)
		}
		return Sidecar{}, errs.Wrap(errs.IntegrityFailure, "read index sidecar", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, errs.Wrap(errs.IntegrityFailure, "parse index sidecar", err)
	}
	return sc, nil
}

func writeSidecar(indexDir string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "marshal index sidecar", err)
	}
	return os.WriteFile(sidecarPath(indexDir), append(data, '\n'), 0644)
}

// Index is the retrieval index for a single built corpus.
type Index struct {
	db        *sql.DB
	mu        sync.RWMutex
	dir       string
	engine    embedding.EmbeddingEngine
	vectorExt bool
	sidecar   Sidecar
}

// Entry is a single retrieved document with its similarity score.
type Entry struct {
	DocID      string
	SectionID  string
	Text       string
	Title      string
	URL        string
	Similarity float64
}

// Open opens (or creates) the index database under indexDir and wires an
// embedding engine for building and querying.
func Open(indexDir string, engine embedding.EmbeddingEngine) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "create index directory", err)
	}

	dbPath := filepath.Join(indexDir, "index.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "open index database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}

	idx := &Index{db: db, dir: indexDir, engine: engine}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	idx.detectVecExtension()

	if sc, err := LoadSidecar(indexDir); err == nil {
		idx.sidecar = sc
	}

	logging.Store("retrieval index opened at %s (vec_ext=%v)", indexDir, idx.vectorExt)
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		section_id TEXT NOT NULL,
		text TEXT NOT NULL,
		title TEXT,
		url TEXT,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_section ON documents(section_id);
	`
	_, err := idx.db.Exec(schema)
	if err != nil {
		return errs.Wrap(errs.IntegrityFailure, "create index schema", err)
	}
	return nil
}

func (idx *Index) detectVecExtension() {
	if idx.db == nil {
		return
	}
	if _, err := idx.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		idx.vectorExt = true
		_, _ = idx.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	idx.vectorExt = false
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Sidecar returns the index's currently recorded binding.
func (idx *Index) Sidecar() Sidecar {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.sidecar
}

// VerifyBinding fails closed when the index's sidecar does not match the
// corpus digest and embedding model the caller expects to query against.
func (idx *Index) VerifyBinding(corpusDigest, embeddingModel string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.sidecar.CorpusDigest == "" {
		return errs.New(errs.IntegrityFailure, "index has no sidecar binding; rebuild required")
	}
	if idx.sidecar.CorpusDigest != corpusDigest {
		return errs.Newf(errs.IntegrityFailure, "index built from corpus_digest %s, expected %s", idx.sidecar.CorpusDigest, corpusDigest)
	}
	if idx.sidecar.EmbeddingModel != embeddingModel {
		return errs.Newf(errs.IntegrityFailure, "index built with embedding model %s, expected %s", idx.sidecar.EmbeddingModel, embeddingModel)
	}
	return nil
}

// Build embeds every document and (re)writes the index and its sidecar.
// Existing rows are replaced; Build is not incremental, matching the
// corpus builder's all-or-nothing determinism.
func (idx *Index) Build(ctx context.Context, docs []corpus.Document, corpusDigest string) error {
	timer := logging.StartTimer(logging.CategoryStore, "Build")
	defer timer.Stop()

	if idx.engine == nil {
		return errs.New(errs.InvalidInput, "no embedding engine configured")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.db.Exec("DELETE FROM documents"); err != nil {
		return errs.Wrap(errs.IntegrityFailure, "clear existing index", err)
	}
	if idx.vectorExt {
		_, _ = idx.db.Exec("DROP TABLE IF EXISTS vec_index")
		stmt := fmt.Sprintf("CREATE VIRTUAL TABLE vec_index USING vec0(embedding float[%d], doc_id TEXT)", idx.engine.Dimensions())
		if _, err := idx.db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryStore).Warn("could not create vec_index table: %v", err)
			idx.vectorExt = false
		}
	}

	const batchSize = 32
	for start := 0; start < len(docs); start += batchSize {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Timeout, "index build interrupted", ctx.Err())
		default:
		}

		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Text
		}
		vecs, err := idx.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return errs.Wrap(errs.Upstream, "embed corpus batch", err)
		}

		tx, err := idx.db.Begin()
		if err != nil {
			return errs.Wrap(errs.IntegrityFailure, "begin index transaction", err)
		}
		stmt, err := tx.Prepare("INSERT INTO documents (doc_id, section_id, text, title, url, embedding) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			tx.Rollback()
			return errs.Wrap(errs.IntegrityFailure, "prepare index insert", err)
		}
		for i, d := range batch {
			blob := encodeFloat32Slice(vecs[i])
			if _, err := stmt.Exec(d.DocID, d.SectionID, d.Text, d.Title, d.URL, blob); err != nil {
				stmt.Close()
				tx.Rollback()
				return errs.Wrap(errs.IntegrityFailure, "insert document", err)
			}
			if idx.vectorExt {
				_, _ = tx.Exec("INSERT INTO vec_index (embedding, doc_id) VALUES (?, ?)", blob, d.DocID)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.IntegrityFailure, "commit index batch", err)
		}
		logging.StoreDebug("indexed documents %d-%d of %d", start, end, len(docs))
	}

	idx.sidecar = Sidecar{
		CorpusDigest:   corpusDigest,
		EmbeddingModel: idx.engine.Name(),
		BuiltAt:        time.Now(),
		DocCount:       len(docs),
	}
	if err := writeSidecar(idx.dir, idx.sidecar); err != nil {
		return err
	}

	logging.Store("retrieval index built: %d docs, digest=%s", len(docs), corpusDigest)
	return nil
}

// Search returns the topK documents most similar to query.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]Entry, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if topK <= 0 {
		topK = 10
	}
	if idx.engine == nil {
		return nil, errs.New(errs.InvalidInput, "no embedding engine configured")
	}

	queryVec, err := idx.engine.Embed(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "embed query", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.vectorExt {
		return idx.searchVec(queryVec, topK)
	}
	return idx.searchBruteForce(queryVec, topK)
}

func (idx *Index) searchVec(queryVec []float32, topK int) ([]Entry, error) {
	blob := encodeFloat32Slice(queryVec)
	rows, err := idx.db.Query(
		`SELECT d.doc_id, d.section_id, d.text, d.title, d.url, vec_distance_cos(v.embedding, ?) AS dist
		 FROM vec_index v JOIN documents d ON d.doc_id = v.doc_id
		 ORDER BY dist ASC LIMIT ?`, blob, topK)
	if err != nil {
		return nil, errs.Wrap(errs.IntegrityFailure, "vector search query", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var dist float64
		if err := rows.Scan(&e.DocID, &e.SectionID, &e.Text, &e.Title, &e.URL, &dist); err != nil {
			continue
		}
		e.Similarity = 1 - dist
		results = append(results, e)
	}
	return results, nil
}

func (idx *Index) searchBruteForce(queryVec []float32, topK int) ([]Entry, error) {
	rows, err := idx.db.Query("SELECT doc_id, section_id, text, title, url, embedding FROM documents")
	if err != nil {
		return nil, errs.Wrap(errs.IntegrityFailure, "brute-force search query", err)
	}
	defer rows.Close()

	var candidates []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		if err := rows.Scan(&e.DocID, &e.SectionID, &e.Text, &e.Title, &e.URL, &blob); err != nil {
			continue
		}
		vec := decodeFloat32Slice(blob)
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		e.Similarity = sim
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// DocCount returns the number of indexed documents.
func (idx *Index) DocCount() (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var n int
	err := idx.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.IntegrityFailure, "count documents", err)
	}
	return n, nil
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		bits := math.Float32bits(f)
		buf[4*i] = byte(bits)
		buf[4*i+1] = byte(bits >> 8)
		buf[4*i+2] = byte(bits >> 16)
		buf[4*i+3] = byte(bits >> 24)
	}
	return buf
}

func decodeFloat32Slice(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 | uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}
