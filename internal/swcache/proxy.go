package swcache

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
)

// Controller holds the engine that currently controls traffic. Installing a
// new engine activates it first and only then takes over, retiring the
// previous one.
type Controller struct {
	network http.RoundTripper
	origin  string
	cur     atomic.Pointer[Engine]
}

func NewController(origin string, network http.RoundTripper) *Controller {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Controller{network: network, origin: strings.TrimRight(origin, "/")}
}

func (c *Controller) Install(ctx context.Context, e *Engine) error {
	if err := e.Activate(ctx); err != nil {
		return err
	}
	old := c.cur.Swap(e)
	if old != nil && old != e {
		old.retire()
	}
	log.Printf("controller: engine for %s now in control", e.opts.Names.Static)
	return nil
}

func (c *Controller) Current() *Engine { return c.cur.Load() }

// Teardown retires the current engine; traffic then goes straight to the
// network.
func (c *Controller) Teardown() {
	if old := c.cur.Swap(nil); old != nil {
		old.retire()
	}
}

func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	if e := c.cur.Load(); e != nil {
		return e.RoundTrip(req)
	}
	return c.network.RoundTrip(req)
}

// Handler serves the origin through the controller as a reverse proxy.
func (c *Controller) Handler() http.Handler {
	return http.HandlerFunc(c.serveProxy)
}

func (c *Controller) serveProxy(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, c.origin+r.URL.RequestURI(), body)
	if err != nil {
		setOutcomeHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(out.Header, r.Header)
	out.ContentLength = r.ContentLength

	resp, err := c.RoundTrip(out)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("proxy: %s %s: %v", r.Method, r.URL.Path, err)
		}
		setOutcomeHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get(outcomeHeader) == "" {
		setOutcomeHeaders(w.Header(), OutcomePassthrough)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Custom headers are not readable by browser JS in a CORS context unless
	// explicitly exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
