package dirsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/relaydir/relay"
	"github.com/stretchr/testify/require"
)

// mapFS is an in-memory FS.
type mapFS struct {
	files      map[string][]byte
	unreadable map[string]bool
	readErr    map[string]error
	reads      []string
}

func (m *mapFS) Exists(path string) bool {
	_, ok := m.files[path]
	return ok
}

func (m *mapFS) IsReadable(path string) bool {
	return !m.unreadable[path]
}

func (m *mapFS) ReadAll(path string) ([]byte, error) {
	m.reads = append(m.reads, path)
	if err := m.readErr[path]; err != nil {
		return nil, err
	}

	return m.files[path], nil
}

// TestCachedFileCandidateOrder checks that missing, unreadable and failing
// candidates are skipped in order.
func TestCachedFileCandidateOrder(t *testing.T) {
	t.Parallel()

	fs := &mapFS{
		files: map[string][]byte{
			"/unreadable": []byte(testConsensus),
			"/broken":     nil,
			"/good":       []byte(testConsensus),
			"/later":      []byte(testConsensus),
		},
		unreadable: map[string]bool{"/unreadable": true},
		readErr: map[string]error{
			"/broken": errors.New("i/o error"),
		},
	}

	src := NewCachedFileSource(CachedFileConfig{
		Paths: []string{
			"/missing", "/unreadable", "/broken", "/good", "/later",
		},
		FS: fs,
	})
	require.Equal(t, SourceCache, src.ID())

	records, err := src.Fetch(
		context.Background(), relay.DefaultFilterPolicy(),
	)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, []string{"/broken", "/good"}, fs.reads)
}

// TestCachedFileNoDocument asserts that the source fails when no candidate is
// usable.
func TestCachedFileNoDocument(t *testing.T) {
	t.Parallel()

	src := NewCachedFileSource(CachedFileConfig{
		Paths: []string{"/a", "/b"},
		FS:    &mapFS{files: map[string][]byte{}},
	})
	_, err := src.Fetch(context.Background(), relay.DefaultFilterPolicy())
	require.ErrorIs(t, err, ErrNoCachedDocument)

	src = NewCachedFileSource(CachedFileConfig{
		Paths: []string{"/a"},
		FS: &mapFS{
			files:      map[string][]byte{"/a": nil},
			unreadable: map[string]bool{"/a": true},
		},
	})
	_, err = src.Fetch(context.Background(), relay.DefaultFilterPolicy())
	require.ErrorIs(t, err, ErrNoCachedDocument)
	require.ErrorContains(t, err, "not readable")
}

// TestCachedFileMaxAge checks the staleness check against the document's
// validity interval.
func TestCachedFileMaxAge(t *testing.T) {
	t.Parallel()

	// testConsensus is valid until 2024-05-01 15:00:00.
	validUntil := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		now    time.Time
		maxAge time.Duration
		stale  bool
	}{
		{
			name:   "within validity",
			now:    validUntil.Add(-time.Hour),
			maxAge: time.Hour,
		},
		{
			name:   "expired within max age",
			now:    validUntil.Add(30 * time.Minute),
			maxAge: time.Hour,
		},
		{
			name:   "expired beyond max age",
			now:    validUntil.Add(2 * time.Hour),
			maxAge: time.Hour,
			stale:  true,
		},
		{
			name: "no max age",
			now:  validUntil.Add(1000 * time.Hour),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			src := NewCachedFileSource(CachedFileConfig{
				Paths: []string{"/doc"},
				FS: &mapFS{files: map[string][]byte{
					"/doc": []byte(testConsensus),
				}},
				MaxAge: test.maxAge,
				Clock:  clock.NewTestClock(test.now),
			})

			records, err := src.Fetch(
				context.Background(),
				relay.DefaultFilterPolicy(),
			)
			if test.stale {
				require.ErrorIs(t, err, ErrNoCachedDocument)
				require.ErrorIs(t, err, ErrStaleDocument)
				return
			}

			require.NoError(t, err)
			require.Len(t, records, 2)
		})
	}
}

// TestCachedFileOSFS reads candidates from the real file system.
func TestCachedFileOSFS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cached-consensus")
	require.NoError(t, os.WriteFile(path, []byte(testConsensus), 0600))

	fs := OSFS{}
	require.True(t, fs.Exists(path))
	require.True(t, fs.IsReadable(path))
	require.False(t, fs.Exists(dir))
	require.False(t, fs.Exists(filepath.Join(dir, "missing")))

	src := NewCachedFileSource(CachedFileConfig{
		Paths: []string{filepath.Join(dir, "missing"), path},
	})
	records, err := src.Fetch(
		context.Background(), relay.DefaultFilterPolicy(),
	)
	require.NoError(t, err)
	require.Len(t, records, 2)
}
