package swcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrCacheWrite    = errors.New("cache write failed")
	ErrQuotaExceeded = fmt.Errorf("%w: disk quota exceeded", ErrCacheWrite)
	ErrClosed        = errors.New("generations closed")
)

const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// Generations owns every named cache generation. All generations share one
// leveldb database; an entry lives under e:<generation>\x00<identity> and
// each generation is registered under n:<generation>.
//
// Mutations run on a single writer goroutine so that a purge never
// interleaves with a queued write.
type Generations struct {
	db       *leveldb.DB
	maxBytes int64
	ram      *ramCache

	mu        sync.Mutex
	names     map[string]struct{}
	sizes     map[string]int64
	totalSize int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan func()
	done    chan struct{}

	writeLog      *rateLimitedLogger
	writeFailures atomic.Uint64
}

// Generation is a handle to one named generation.
type Generation struct {
	name string
	g    *Generations
}

func (h Generation) Name() string { return h.name }

func (h Generation) Read(identity string) (CacheEntry, bool) {
	return h.g.Read(h.name, identity)
}

func (h Generation) Write(identity string, ent CacheEntry) error {
	return h.g.Write(h.name, identity, ent)
}

func OpenGenerations(path string, ramMax, diskMax int64) (*Generations, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache storage %s: %w", path, err)
	}
	g := &Generations{
		db:       db,
		maxBytes: diskMax,
		ram:      newRAMCache(ramMax),
		names:    map[string]struct{}{},
		sizes:    map[string]int64{},
		ops:      make(chan func(), 1024),
		done:     make(chan struct{}),
		writeLog: newRateLimitedLogger(time.Minute),
	}
	if err := g.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go g.writerLoop()
	return g, nil
}

func (g *Generations) Close() error {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return nil
	}
	g.closed = true
	close(g.ops)
	g.closeMu.Unlock()

	<-g.done
	return g.db.Close()
}

func (g *Generations) loadIndex() error {
	names := map[string]struct{}{}
	it := g.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	for it.Next() {
		names[string(bytes.TrimPrefix(it.Key(), []byte(namePrefix)))] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	sizes := map[string]int64{}
	var total int64
	it = g.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		k := string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix)))
		sz := int64(len(it.Value()))
		sizes[k] = sz
		total += sz
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	g.mu.Lock()
	g.names = names
	g.sizes = sizes
	g.totalSize = total
	g.mu.Unlock()
	return nil
}

func (g *Generations) writerLoop() {
	defer close(g.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range g.ops {
		op()
	}
}

// enqueue hands op to the writer goroutine. When wait is false and the queue
// is full the op is dropped and false is returned.
func (g *Generations) enqueue(op func(), wait bool) (bool, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if g.closed {
		return false, ErrClosed
	}
	if wait {
		g.ops <- op
		return true, nil
	}
	select {
	case g.ops <- op:
		return true, nil
	default:
		return false, nil
	}
}

// Open returns a handle to the named generation, registering it if absent.
func (g *Generations) Open(name string) (Generation, error) {
	if name == "" || strings.Contains(name, keySep) {
		return Generation{}, fmt.Errorf("invalid generation name %q", name)
	}
	g.mu.Lock()
	_, ok := g.names[name]
	g.mu.Unlock()
	if ok {
		return Generation{name: name, g: g}, nil
	}
	if err := g.db.Put([]byte(namePrefix+name), nil, nil); err != nil {
		return Generation{}, err
	}
	g.mu.Lock()
	g.names[name] = struct{}{}
	g.mu.Unlock()
	return Generation{name: name, g: g}, nil
}

func (g *Generations) registered(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.names[name]
	return ok
}

// Names returns the registered generation names, sorted.
func (g *Generations) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.names))
	for n := range g.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Generations) EntryCount(name string) int {
	prefix := name + keySep
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.sizes {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func (g *Generations) TotalSize() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalSize
}

func (g *Generations) RAMSize() int64 { return g.ram.TotalSize() }

func (g *Generations) WriteFailures() uint64 { return g.writeFailures.Load() }

// EnsureCurrent deletes every generation whose name is not in current,
// together with all of its entries. It returns the deleted names. Running it
// twice with the same set deletes nothing the second time.
func (g *Generations) EnsureCurrent(current map[string]struct{}) ([]string, error) {
	type result struct {
		deleted []string
		err     error
	}
	resCh := make(chan result, 1)
	_, err := g.enqueue(func() {
		var res result
		for _, name := range g.Names() {
			if _, keep := current[name]; keep {
				continue
			}
			if err := g.purge(name); err != nil {
				res.err = fmt.Errorf("purge %s: %w", name, err)
				break
			}
			res.deleted = append(res.deleted, name)
		}
		resCh <- res
	}, true)
	if err != nil {
		return nil, err
	}
	res := <-resCh
	return res.deleted, res.err
}

func (g *Generations) purge(name string) error {
	prefix := name + keySep
	batch := new(leveldb.Batch)
	it := g.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+prefix)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(namePrefix + name))
	if err := g.db.Write(batch, nil); err != nil {
		return err
	}

	g.mu.Lock()
	for k, sz := range g.sizes {
		if strings.HasPrefix(k, prefix) {
			g.totalSize -= sz
			delete(g.sizes, k)
		}
	}
	delete(g.names, name)
	g.mu.Unlock()

	g.ram.DeletePrefix(prefix)
	return nil
}

// Read looks up identity in the named generation.
func (g *Generations) Read(name, identity string) (CacheEntry, bool) {
	key := name + keySep + identity
	if ent, ok := g.ram.Get(key); ok {
		return ent, true
	}
	b, err := g.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	g.ram.Put(key, ent, int64(len(b)), g.writeLog)
	return ent, true
}

// ReadAny returns the first generation holding identity. Generations are
// scanned in name order.
func (g *Generations) ReadAny(identity string) (CacheEntry, string, bool) {
	for _, name := range g.Names() {
		if ent, ok := g.Read(name, identity); ok {
			return ent, name, true
		}
	}
	return CacheEntry{}, "", false
}

// Write stores ent synchronously and registers the generation if needed.
func (g *Generations) Write(name, identity string, ent CacheEntry) error {
	if _, err := g.Open(name); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	key := name + keySep + identity
	size := int64(len(b))

	g.mu.Lock()
	old := g.sizes[key]
	if g.maxBytes > 0 && g.totalSize-old+size > g.maxBytes {
		g.mu.Unlock()
		return ErrQuotaExceeded
	}
	g.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(namePrefix+name), nil)
	batch.Put([]byte(entryPrefix+key), b)
	if err := g.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	g.mu.Lock()
	g.totalSize += size - g.sizes[key]
	g.sizes[key] = size
	g.names[name] = struct{}{}
	g.mu.Unlock()

	g.ram.Put(key, ent, size, g.writeLog)
	return nil
}

// WriteAsync queues a write and returns immediately. A failed or dropped
// write is logged and counted, never returned. The generation must already
// be registered when the write is applied; writes to a generation that was
// evicted in the meantime are discarded.
func (g *Generations) WriteAsync(name, identity string, ent CacheEntry) {
	ok, err := g.enqueue(func() {
		if !g.registered(name) {
			g.writeLog.Printf("cache: write %s %s discarded, generation is not current", name, identity)
			return
		}
		if err := g.Write(name, identity, ent); err != nil {
			g.writeFailures.Add(1)
			g.writeLog.Printf("cache: write %s %s: %v", name, identity, err)
		}
	}, false)
	if err != nil || !ok {
		g.writeFailures.Add(1)
		g.writeLog.Printf("cache: write %s %s dropped (queue full or closed)", name, identity)
	}
}

// Flush blocks until every write queued before the call has been applied.
func (g *Generations) Flush() {
	done := make(chan struct{})
	if _, err := g.enqueue(func() { close(done) }, true); err != nil {
		return
	}
	<-done
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
