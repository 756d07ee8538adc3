package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := NewStore(dir)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id string) Submission {
	return Submission{
		ID:        id,
		Payload:   json.RawMessage(`{"name":"Jane"}`),
		TargetURL: "/api/contact",
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

func collect(t *testing.T, s *Store) []Submission {
	t.Helper()
	var out []Submission
	for rec, err := range s.All() {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestStoreOpenIsIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Open()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.Open())
}

func TestStoreOpenUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	s := NewStore(path)
	err := s.Open()
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = s.Get("anything")
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStorePutGetDelete(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	rec := testRecord("1-a")
	require.NoError(t, s.Put(rec))

	got, err := s.Get("1-a")
	require.NoError(t, err)
	assert.Equal(t, rec.TargetURL, got.TargetURL)
	assert.JSONEq(t, `{"name":"Jane"}`, string(got.Payload))

	rec.RetryCount = 2
	require.NoError(t, s.Put(rec))
	got, err = s.Get("1-a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	require.NoError(t, s.Delete("1-a"))
	_, err = s.Get("1-a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("1-a"), "deleting a missing id is not an error")
}

func TestStorePutRejectsEmptyID(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.Error(t, s.Put(Submission{}))
}

func TestStoreAllIsRestartable(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	for _, id := range []string{"1-a", "2-b", "3-c"} {
		require.NoError(t, s.Put(testRecord(id)))
	}

	first := collect(t, s)
	second := collect(t, s)
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.Equal(t, "1-a", first[0].ID)
	assert.Equal(t, "3-c", first[2].ID)

	seen := 0
	for range s.All() {
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStoreUpdate(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Put(testRecord("1-a")))

	got, err := s.Update("1-a", func(r *Submission) { r.RetryCount++ })
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	_, err = s.Update("missing", func(r *Submission) { r.RetryCount++ })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Open())
	require.NoError(t, s.Put(testRecord("1-a")))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir)
	recs := collect(t, reopened)
	require.Len(t, recs, 1)
	assert.Equal(t, "1-a", recs[0].ID)
}
