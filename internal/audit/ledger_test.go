package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndVerifyCleanChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	ledger, err := Open(path, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(Entry{
			EventType: EventCorpusBuilt,
			Success:   true,
			Target:    "corpus",
		})
		require.NoError(t, err)
	}
	require.NoError(t, ledger.Close())

	result, err := Verify(path, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(5), result.EntryCount)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	ledger, err := Open(path, nil)
	require.NoError(t, err)
	_, err = ledger.Append(Entry{EventType: EventRunStarted, Success: true})
	require.NoError(t, err)
	_, err = ledger.Append(Entry{EventType: EventRunFinished, Success: true})
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data)[:len(data)-2] + "X\n")
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	result, err := Verify(path, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
}

func TestVerifyReportsChainHashMismatchOnTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	ledger, err := Open(path, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := ledger.Append(Entry{
			EventType: EventCorpusBuilt,
			Success:   true,
			Target:    fmt.Sprintf("item-%d", i),
		})
		require.NoError(t, err)
	}
	require.NoError(t, ledger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 10)

	// Entry 5 (0-indexed) is the 6th appended entry, seq=6. Flip a digit
	// in its target field without breaking JSON syntax.
	const tamperedLine = 5
	lines[tamperedLine] = strings.Replace(lines[tamperedLine], "item-5", "item-9", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	result, err := Verify(path, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, int64(6), result.FailedAtSeq)
	assert.Equal(t, "chain_hash_mismatch", result.FailedReason)
}

func TestChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l1, err := Open(path, nil)
	require.NoError(t, err)
	_, err = l1.Append(Entry{EventType: EventRunStarted, Success: true})
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(path, nil)
	require.NoError(t, err)
	_, err = l2.Append(Entry{EventType: EventRunFinished, Success: true})
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	result, err := Verify(path, nil)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(2), result.EntryCount)
}

func TestHMACMismatchDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	key := []byte("test-key")

	ledger, err := Open(path, key)
	require.NoError(t, err)
	_, err = ledger.Append(Entry{EventType: EventRunStarted, Success: true})
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	result, err := Verify(path, []byte("wrong-key"))
	require.NoError(t, err)
	assert.False(t, result.OK)
}
