package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://octomatic.test"

// fakeNetwork serves requests from an http.Handler and counts them. It can
// be switched offline, or made to hang until the request context ends.
type fakeNetwork struct {
	handler http.Handler

	mu      sync.Mutex
	calls   []string
	offline bool
	hang    bool
}

func (f *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.Path)
	offline, hang := f.offline, f.hang
	f.mu.Unlock()

	if hang {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if offline {
		return nil, errors.New("network unreachable")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (f *fakeNetwork) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeNetwork) SetOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeNetwork) SetHang(v bool) {
	f.mu.Lock()
	f.hang = v
	f.mu.Unlock()
}

// siteHandler mimics the marketing site origin.
func siteHandler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<h1>offline</h1>")
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"Octomatic"}`)
	})
	mux.HandleFunc("/styles/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	})
	mux.HandleFunc("/nostore.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		_, _ = io.WriteString(w, "console.log(1)")
	})
	mux.HandleFunc("/fonts/x.woff2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "font/woff2")
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes 0-3/16")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(w, "wOF2")
			return
		}
		_, _ = io.WriteString(w, "wOF2-full-font!!")
	})
	mux.HandleFunc("/missing.png", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	})
	return mux
}

func openTestGenerations(t *testing.T, dir string) *Generations {
	t.Helper()
	g, err := OpenGenerations(dir, 1<<20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func testOriginURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}

func newTestEngine(t *testing.T, net *fakeNetwork, mutate func(*EngineOptions)) (*Engine, *Generations) {
	t.Helper()
	gens := openTestGenerations(t, t.TempDir())
	opts := EngineOptions{
		Origin:         testOriginURL(t),
		Names:          NewGenerationNames("octomatic", "v2"),
		OfflinePage:    "/offline.html",
		Precache:       []string{"/manifest.json"},
		BypassHosts:    []string{"supabase.co"},
		RespectNoStore: true,
		Network:        net,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(gens, opts)
	require.NoError(t, err)
	require.NoError(t, e.Activate(context.Background()))
	net.Reset()
	return e, gens
}

func newGet(t *testing.T, path, dest, mode string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	if mode != "" {
		req.Header.Set("Sec-Fetch-Mode", mode)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
