package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvraft/kvraft/internal/aol"
)

func setCmd(t *testing.T, key, value string) []byte {
	t.Helper()
	b, err := EncodeCommand(Command{Op: aol.OpSet, Key: key, Value: value})
	require.NoError(t, err)
	return b
}

func deleteCmd(t *testing.T, key string) []byte {
	t.Helper()
	b, err := EncodeCommand(Command{Op: aol.OpDelete, Key: key})
	require.NoError(t, err)
	return b
}

func TestApplyThenGet(t *testing.T) {
	e, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Apply(1, 1, setCmd(t, "x", "42")))
	require.NoError(t, e.Apply(2, 1, setCmd(t, "y", "7")))
	require.NoError(t, e.Apply(3, 1, deleteCmd(t, "x")))

	_, ok := e.Get("x")
	require.False(t, ok)
	v, ok := e.Get("y")
	require.True(t, ok)
	require.Equal(t, "7", v)
}

func TestRecoveryReplaysAOLOverSnapshot(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, e.Apply(1, 1, setCmd(t, "x", "42")))
	require.NoError(t, e.Apply(2, 1, setCmd(t, "y", "7")))
	require.NoError(t, e.Apply(3, 1, deleteCmd(t, "x")))
	require.NoError(t, e.Close())

	e2, err := Open(dir, nil)
	require.NoError(t, err)
	defer e2.Close()

	_, ok := e2.Get("x")
	require.False(t, ok)
	v, ok := e2.Get("y")
	require.True(t, ok)
	require.Equal(t, "7", v)
}

func TestCompactionBoundaryTriggersSnapshotAndClearsAOL(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, nil, WithCompactionThreshold(5))
	require.NoError(t, err)

	for i := 1; i <= 7; i++ {
		require.NoError(t, e.Apply(uint64(i), 1, setCmd(t, "k", string(rune('0'+i)))))
	}
	require.NoError(t, e.Close())

	e2, err := Open(dir, nil)
	require.NoError(t, err)
	defer e2.Close()

	v, ok := e2.Get("k")
	require.True(t, ok)
	require.Equal(t, string(rune('0'+7)), v)

	size, err := aolSize(t, filepath.Join(dir, "append_only_log.aol"))
	require.NoError(t, err)
	// Only the two post-snapshot writes (i=6,7) should remain in the AOL.
	require.LessOrEqual(t, size, int64(200))
}

func aolSize(t *testing.T, path string) (int64, error) {
	t.Helper()
	l, err := aol.Open(path)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Size()
}

func TestGetSeesWritesBeforeAndAfterSnapshot(t *testing.T) {
	e, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Apply(1, 1, setCmd(t, "a", "1")))
	require.NoError(t, e.Snapshot())
	require.NoError(t, e.Apply(2, 1, setCmd(t, "b", "2")))

	v, ok := e.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, ok = e.Get("b")
	require.True(t, ok)
	require.Equal(t, "2", v)
}
