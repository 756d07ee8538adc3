package swcache

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pquerna/cachecontrol/cacheobject"
)

// Outcome values reported in the X-Octoedge response header.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeNetwork       = "network"
	OutcomeCacheFallback = "cache-fallback"
	OutcomeOffline       = "offline"
	OutcomeNetworkError  = "network-error"
	OutcomePassthrough   = "passthrough"
)

const outcomeHeader = "X-Octoedge"

type EngineOptions struct {
	// Origin is the scope the engine intercepts; other origins pass through.
	Origin         *url.URL
	Names          GenerationNames
	OfflinePage    string
	Precache       []string
	BypassHosts    []string
	APIMarker      string
	RespectNoStore bool
	// FetchTimeout bounds every network attempt. Zero means no timeout.
	FetchTimeout time.Duration
	Network      http.RoundTripper
}

// Engine arbitrates between cache generations and the network for every
// request inside its origin. Fetch always resolves to a response.
type Engine struct {
	opts       EngineOptions
	gens       *Generations
	classifier *Classifier
	network    http.RoundTripper
	stats      *statsCollector

	active atomic.Bool
}

func NewEngine(gens *Generations, opts EngineOptions) (*Engine, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, fmt.Errorf("engine: origin is required")
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = "/offline.html"
	}
	if opts.Network == nil {
		opts.Network = http.DefaultTransport
	}
	return &Engine{
		opts:       opts,
		gens:       gens,
		classifier: NewClassifier(opts.Names, opts.APIMarker),
		network:    opts.Network,
		stats:      newStatsCollector(),
	}, nil
}

func (e *Engine) Active() bool { return e.active.Load() }

func (e *Engine) Names() GenerationNames { return e.opts.Names }

// Activate fills the static generation with the precache manifest, then
// deletes every generation that is not current. Nothing is evicted unless the
// manifest was stored completely.
func (e *Engine) Activate(ctx context.Context) error {
	manifest := e.manifest()
	fetched := make(map[string]CacheEntry, len(manifest))
	for _, p := range manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.originURL(p), nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		ent, err := e.fetchNetwork(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if !statusOK(ent.Status) {
			return fmt.Errorf("precache %s: unexpected status %d", p, ent.Status)
		}
		fetched[requestIdentity(req.URL)] = ent
	}

	static, err := e.gens.Open(e.opts.Names.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.opts.Names.Static, err)
	}
	for id, ent := range fetched {
		if err := static.Write(id, ent); err != nil {
			return fmt.Errorf("precache %s: %w", id, err)
		}
	}
	for name := range e.opts.Names.Set() {
		if _, err := e.gens.Open(name); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
	}

	deleted, err := e.gens.EnsureCurrent(e.opts.Names.Set())
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		log.Printf("activate: deleted stale generations %s", strings.Join(deleted, ", "))
	}
	log.Printf("activate: precached %d assets into %s", len(fetched), e.opts.Names.Static)

	e.active.Store(true)
	return nil
}

func (e *Engine) retire() { e.active.Store(false) }

func (e *Engine) manifest() []string {
	out := make([]string, 0, len(e.opts.Precache)+1)
	seen := map[string]struct{}{}
	for _, p := range append([]string{e.opts.OfflinePage}, e.opts.Precache...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// RoundTrip lets the engine sit under an http.Client. Requests it does not
// intercept go to the network untouched, errors included.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	if !e.Intercepts(req) {
		return e.network.RoundTrip(req)
	}
	return e.Fetch(req), nil
}

// Intercepts reports whether req is handled by the arbitration logic.
// Other origins always pass through, so BypassHosts only matters for hosts
// that share the engine's origin.
func (e *Engine) Intercepts(req *http.Request) bool {
	if !e.Active() {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	if !sameOrigin(req.URL, e.opts.Origin) {
		return false
	}
	return !e.bypassHost(req.URL.Hostname())
}

func (e *Engine) bypassHost(host string) bool {
	host = strings.ToLower(host)
	for _, b := range e.opts.BypassHosts {
		b = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(b), "."))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

// Fetch resolves an intercepted GET request.
func (e *Engine) Fetch(req *http.Request) *http.Response {
	ri := requestInfo(req)
	var (
		ent     CacheEntry
		outcome string
	)
	if ri.Mode == "navigate" {
		ent, outcome = e.navigate(req)
	} else {
		cl := e.classifier.Classify(ri)
		switch cl.Strategy {
		case CacheFirst:
			ent, outcome = e.cacheFirst(req, ri, cl)
		default:
			ent, outcome = e.networkFirst(req, ri, cl)
		}
	}
	e.stats.Observe(outcome, len(ent.Body))
	return toResponse(req, ent, outcome)
}

func (e *Engine) navigate(req *http.Request) (CacheEntry, string) {
	id := requestIdentity(req.URL)
	ent, err := e.fetchNetwork(req)
	if err == nil && ent.Status < 500 {
		if e.cacheable(ent) {
			e.gens.WriteAsync(e.opts.Names.Dynamic, id, ent)
		}
		return ent, OutcomeNetwork
	}
	if cached, _, ok := e.gens.ReadAny(id); ok {
		return cached, OutcomeCacheFallback
	}
	return e.offlineDocument()
}

func (e *Engine) cacheFirst(req *http.Request, ri RequestInfo, cl Classification) (CacheEntry, string) {
	id := requestIdentity(req.URL)
	if ent, ok := e.gens.Read(cl.CacheName, id); ok {
		return ent, OutcomeHit
	}
	ent, err := e.fetchNetwork(req)
	if err != nil {
		return e.fallback(ri)
	}
	if statusOK(ent.Status) && e.cacheable(ent) {
		e.gens.WriteAsync(cl.CacheName, id, ent)
	}
	return ent, OutcomeMiss
}

func (e *Engine) networkFirst(req *http.Request, ri RequestInfo, cl Classification) (CacheEntry, string) {
	id := requestIdentity(req.URL)
	ent, err := e.fetchNetwork(req)
	if err == nil && statusOK(ent.Status) {
		if e.cacheable(ent) {
			e.gens.WriteAsync(cl.CacheName, id, ent)
		}
		return ent, OutcomeNetwork
	}
	if cached, _, ok := e.gens.ReadAny(id); ok {
		return cached, OutcomeCacheFallback
	}
	return e.fallback(ri)
}

func (e *Engine) fallback(ri RequestInfo) (CacheEntry, string) {
	if ri.Dest == "document" {
		return e.offlineDocument()
	}
	return networkErrorEntry(), OutcomeNetworkError
}

func (e *Engine) offlineDocument() (CacheEntry, string) {
	u, err := url.Parse(e.originURL(e.opts.OfflinePage))
	if err == nil {
		if ent, _, ok := e.gens.ReadAny(requestIdentity(u)); ok {
			return ent, OutcomeOffline
		}
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte("Offline")}, OutcomeOffline
}

func networkErrorEntry() CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{Status: http.StatusRequestTimeout, Header: h, Body: []byte("Network error")}
}

// cacheable reports whether ent may be stored. Partial content is never
// stored because entries are keyed without the Range header.
func (e *Engine) cacheable(ent CacheEntry) bool {
	if !statusOK(ent.Status) || ent.Status == http.StatusPartialContent {
		return false
	}
	if !e.opts.RespectNoStore {
		return true
	}
	dir, err := cacheobject.ParseResponseCacheControl(ent.Header.Get("Cache-Control"))
	if err != nil {
		return true
	}
	return !dir.NoStore
}

func (e *Engine) fetchNetwork(req *http.Request) (CacheEntry, error) {
	ctx := req.Context()
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}
	resp, err := e.network.RoundTrip(req.Clone(ctx))
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	ent.Header.Del(outcomeHeader)
	return ent, nil
}

func (e *Engine) originURL(p string) string {
	return strings.TrimRight(e.opts.Origin.String(), "/") + p
}

func requestInfo(req *http.Request) RequestInfo {
	return RequestInfo{
		URL:    req.URL,
		Method: req.Method,
		Dest:   strings.ToLower(req.Header.Get("Sec-Fetch-Dest")),
		Mode:   strings.ToLower(req.Header.Get("Sec-Fetch-Mode")),
	}
}

// requestIdentity is the canonical cache key of a GET request: scheme, host,
// path and query, without user info or fragment.
func requestIdentity(u *url.URL) string {
	c := *u
	c.User = nil
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func statusOK(code int) bool { return code >= 200 && code < 300 }

func toResponse(req *http.Request, ent CacheEntry, outcome string) *http.Response {
	h := cloneHeader(ent.Header)
	if h == nil {
		h = make(http.Header)
	}
	setOutcomeHeaders(h, outcome)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", ent.Status, http.StatusText(ent.Status)),
		StatusCode:    ent.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ent.Body)),
		ContentLength: int64(len(ent.Body)),
		Request:       req,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
