package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_DashDiscards(t *testing.T) {
	w, err := NewRotatingWriter("-", 10, 0)
	require.NoError(t, err)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, w.Close())
}

func TestRotatingWriter_RollsOnSizeAndDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	w := &RotatingWriter{Path: filepath.Join(dir, "gw.log"), MaxBytes: 8, clock: func() time.Time { return now }}
	require.NoError(t, w.roll(0))
	defer w.Close()

	_, err := w.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = w.Write([]byte("67890")) // would exceed 8 bytes
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	_, err = w.Write([]byte("next"))
	require.NoError(t, err)

	for name, want := range map[string]string{
		"gw-2025-03-01.log":   "12345",
		"gw-2025-03-01.1.log": "67890",
		"gw-2025-03-02.log":   "next",
	} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(b), name)
	}
}

func TestRotatingWriter_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	w := &RotatingWriter{Path: filepath.Join(dir, "gw.log"), MaxBytes: 1, MaxFiles: 2, clock: func() time.Time { return now }}
	require.NoError(t, w.roll(0))
	defer w.Close()

	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte("xx"))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "gw-*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}
