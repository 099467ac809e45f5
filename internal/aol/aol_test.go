package aol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append_only_log.aol")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Record{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Record{Op: OpSet, Key: "b", Value: "2"}))
	require.NoError(t, l.Append(Record{Op: OpDelete, Key: "a"}))

	records, corrupted, err := l.Replay()
	require.NoError(t, err)
	require.False(t, corrupted)
	require.Equal(t, []Record{
		{Op: OpSet, Key: "a", Value: "1"},
		{Op: OpSet, Key: "b", Value: "2"},
		{Op: OpDelete, Key: "a"},
	}, records)
}

func TestAppendPreservesWhitespaceAndNewlines(t *testing.T) {
	// This is the exact failure mode the spec's open issue (§9) calls out:
	// a newline-delimited, unescaped encoding corrupts any key/value
	// containing whitespace. The length-prefixed encoding must not.
	path := filepath.Join(t.TempDir(), "append_only_log.aol")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Record{Op: OpSet, Key: "key with spaces", Value: "multi\nline\nvalue"}))

	records, corrupted, err := l.Replay()
	require.NoError(t, err)
	require.False(t, corrupted)
	require.Len(t, records, 1)
	require.Equal(t, "key with spaces", records[0].Key)
	require.Equal(t, "multi\nline\nvalue", records[0].Value)
}

func TestReplayStopsAtTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append_only_log.aol")
	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Append(Record{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Record{Op: OpSet, Key: "b", Value: "2"}))
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: chop off the last few bytes.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	records, corrupted, err := l2.Replay()
	require.NoError(t, err)
	require.True(t, corrupted)
	require.Equal(t, []Record{{Op: OpSet, Key: "a", Value: "1"}}, records)
}

func TestCompactIsDeterministicAndAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append_only_log.aol")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Record{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Record{Op: OpSet, Key: "b", Value: "2"}))
	require.NoError(t, l.Append(Record{Op: OpSet, Key: "a", Value: "overwritten"}))

	state := map[string]string{"a": "overwritten", "b": "2"}
	require.NoError(t, l.Compact(state))

	records, corrupted, err := l.Replay()
	require.NoError(t, err)
	require.False(t, corrupted)
	require.Equal(t, []Record{
		{Op: OpSet, Key: "a", Value: "overwritten"},
		{Op: OpSet, Key: "b", Value: "2"},
	}, records)

	// Running compact twice with the same state is deterministic.
	require.NoError(t, l.Compact(state))
	records2, _, err := l.Replay()
	require.NoError(t, err)
	require.Equal(t, records, records2)
}

func TestClearTruncatesToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append_only_log.aol")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Record{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, l.Clear())

	size, err := l.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	records, corrupted, err := l.Replay()
	require.NoError(t, err)
	require.False(t, corrupted)
	require.Empty(t, records)
}
