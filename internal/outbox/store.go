package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrStorageUnavailable = errors.New("durable storage unavailable")
	ErrNotFound           = errors.New("submission not found")
)

const recordPrefix = "s:"

// Store persists submissions in leveldb. Every operation touches a single
// key. Writes hold the store mutex so an Update never resurrects a record
// deleted concurrently.
type Store struct {
	path string

	mu sync.Mutex
	db *leveldb.DB
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Open initializes the store. Calling it again on an open store is a no-op.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*leveldb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: store is not open", ErrStorageUnavailable)
	}
	return s.db, nil
}

func (s *Store) Put(rec Submission) error {
	if rec.ID == "" {
		return fmt.Errorf("put: empty id")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store is not open", ErrStorageUnavailable)
	}
	if err := s.db.Put(recordKey(rec.ID), b, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Get(id string) (Submission, error) {
	db, err := s.handle()
	if err != nil {
		return Submission{}, err
	}
	b, err := db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var rec Submission
	if err := json.Unmarshal(b, &rec); err != nil {
		return Submission{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return rec, nil
}

// All scans every record from a fresh snapshot. The sequence can be ranged
// over more than once; each range starts a new scan.
func (s *Store) All() iter.Seq2[Submission, error] {
	return func(yield func(Submission, error) bool) {
		db, err := s.handle()
		if err != nil {
			yield(Submission{}, err)
			return
		}
		snap, err := db.GetSnapshot()
		if err != nil {
			yield(Submission{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
			return
		}
		defer snap.Release()

		it := snap.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
		defer it.Release()
		for it.Next() {
			var rec Submission
			if err := json.Unmarshal(it.Value(), &rec); err != nil {
				if !yield(Submission{}, fmt.Errorf("decode %s: %w", it.Key(), err)) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Submission{}, err)
		}
	}
}

// Delete removes id. Deleting a missing id succeeds.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store is not open", ErrStorageUnavailable)
	}
	if err := s.db.Delete(recordKey(id), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Update applies fn to the stored record and writes the result back.
func (s *Store) Update(id string, fn func(*Submission)) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Submission{}, fmt.Errorf("%w: store is not open", ErrStorageUnavailable)
	}
	b, err := s.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Submission{}, ErrNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var rec Submission
	if err := json.Unmarshal(b, &rec); err != nil {
		return Submission{}, fmt.Errorf("decode %s: %w", id, err)
	}
	fn(&rec)
	out, err := json.Marshal(rec)
	if err != nil {
		return Submission{}, err
	}
	if err := s.db.Put(recordKey(id), out, nil); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rec, nil
}

func (s *Store) Count() (int, error) {
	n := 0
	for _, err := range s.All() {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func recordKey(id string) []byte { return []byte(recordPrefix + id) }
