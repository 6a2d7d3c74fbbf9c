// Package audit implements EarCrawler's hash-chained, append-only audit
// ledger. Every entry's entry_hash commits to the previous entry's hash,
// so a single missing or altered line is detectable by Verify without a
// central authority. Adapted from the category-scoped event logger the
// rest of the repo uses for ambient logging.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the audit events components emit.
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventRunFinished     EventType = "run_finished"
	EventRunFailed       EventType = "run_failed"
	EventSnapshotValidated EventType = "snapshot_validated"
	EventSnapshotSelected EventType = "snapshot_selected"
	EventCorpusBuilt     EventType = "corpus_built"
	EventCorpusBuildFailed EventType = "corpus_build_failed"
	EventKGEmitted       EventType = "kg_emitted"
	EventKGEmitFailed    EventType = "kg_emit_failed"
	EventIntegrityCheck  EventType = "integrity_check"
	EventIndexSelected   EventType = "index_selected"
	EventIndexBuildFailed EventType = "index_build_failed"
	EventQueryAnswered   EventType = "query_answered"
	EventQueryRefused    EventType = "query_refused"
	EventRemoteLLMPolicy EventType = "remote_llm_policy_decision"
	EventAccessGranted   EventType = "access_granted"
	EventAccessDenied    EventType = "access_denied"
	EventGCPlanned       EventType = "gc_planned"
	EventGCApplied       EventType = "gc_applied"
	EventGCRejected      EventType = "gc_rejected"
)

// Entry is one hash-chained ledger line.
type Entry struct {
	Seq       int64                  `json:"seq"`
	Timestamp int64                  `json:"ts"`
	EventType EventType              `json:"event"`
	ActorID   string                 `json:"actor,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	EntryHash string                 `json:"entry_hash"`
	HMAC      string                 `json:"hmac,omitempty"`
}

// Ledger is a single-writer, append-only JSONL audit log.
type Ledger struct {
	path    string
	hmacKey []byte

	mu       sync.Mutex
	file     *os.File
	lastHash string
	seq      int64
}

// Open opens (creating if necessary) the ledger at path, replaying existing
// entries to recover the chain tip. hmacKey may be nil to disable HMAC.
func Open(path string, hmacKey []byte) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	l := &Ledger{path: path, hmacKey: hmacKey, lastHash: genesisHash}

	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var last Entry
		var count int64
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				existing.Close()
				return nil, fmt.Errorf("corrupt ledger at line %d: %w", count+1, err)
			}
			last = e
			count++
		}
		existing.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		if count > 0 {
			l.lastHash = last.EntryHash
			l.seq = last.Seq
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger for append: %w", err)
	}
	l.file = f
	return l, nil
}

// Close flushes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000"

// Append writes a new entry, computing entry_hash over the canonical
// encoding of (prev_hash, timestamp, event fields), and returns the
// recorded entry.
func (l *Ledger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UTC().UnixMilli()
	}
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	if e.Fields == nil {
		e.Fields = map[string]interface{}{}
	}

	l.seq++
	e.Seq = l.seq
	e.PrevHash = l.lastHash
	e.EntryHash = ""
	e.HMAC = ""

	payload, err := canonicalJSON(e)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(append([]byte(l.lastHash), payload...))
	e.EntryHash = hex.EncodeToString(sum[:])

	if l.hmacKey != nil {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(e.EntryHash))
		e.HMAC = hex.EncodeToString(mac.Sum(nil))
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}

	l.lastHash = e.EntryHash
	return e, nil
}

// canonicalJSON produces a deterministic encoding of the hashable fields
// of an entry (excluding entry_hash/hmac, which are computed from it).
func canonicalJSON(e Entry) ([]byte, error) {
	hashable := struct {
		Seq       int64                  `json:"seq"`
		Timestamp int64                  `json:"ts"`
		EventType EventType              `json:"event"`
		ActorID   string                 `json:"actor,omitempty"`
		RunID     string                 `json:"run_id,omitempty"`
		Target    string                 `json:"target,omitempty"`
		Success   bool                   `json:"success"`
		Message   string                 `json:"msg,omitempty"`
		Fields    map[string]interface{} `json:"fields,omitempty"`
		PrevHash  string                 `json:"prev_hash"`
	}{
		Seq: e.Seq, Timestamp: e.Timestamp, EventType: e.EventType,
		ActorID: e.ActorID, RunID: e.RunID, Target: e.Target,
		Success: e.Success, Message: e.Message, Fields: e.Fields,
		PrevHash: e.PrevHash,
	}
	return json.Marshal(hashable)
}

// VerifyResult reports the outcome of walking a ledger file.
type VerifyResult struct {
	OK           bool
	EntryCount   int64
	FailedAtSeq  int64
	FailedReason string
}

// Verify walks the ledger at path and recomputes every entry_hash,
// returning ok iff the chain is intact end to end.
func Verify(path string, hmacKey []byte) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	prev := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var count int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{OK: false, EntryCount: count, FailedAtSeq: e.Seq,
				FailedReason: fmt.Sprintf("malformed entry: %v", err)}, nil
		}
		count++

		if e.PrevHash != prev {
			return VerifyResult{OK: false, EntryCount: count, FailedAtSeq: e.Seq,
				FailedReason: "prev_hash does not match chain tip"}, nil
		}

		claimedHash := e.EntryHash
		e.EntryHash = ""
		claimedHMAC := e.HMAC
		e.HMAC = ""

		payload, err := canonicalJSON(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("canonicalize entry %d: %w", e.Seq, err)
		}
		sum := sha256.Sum256(append([]byte(prev), payload...))
		recomputed := hex.EncodeToString(sum[:])
		if recomputed != claimedHash {
			return VerifyResult{OK: false, EntryCount: count, FailedAtSeq: e.Seq,
				FailedReason: "chain_hash_mismatch"}, nil
		}

		if hmacKey != nil {
			mac := hmac.New(sha256.New, hmacKey)
			mac.Write([]byte(claimedHash))
			expected := hex.EncodeToString(mac.Sum(nil))
			if expected != claimedHMAC {
				return VerifyResult{OK: false, EntryCount: count, FailedAtSeq: e.Seq,
					FailedReason: "hmac mismatch"}, nil
			}
		}

		prev = claimedHash
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("scan ledger: %w", err)
	}

	return VerifyResult{OK: true, EntryCount: count}, nil
}
