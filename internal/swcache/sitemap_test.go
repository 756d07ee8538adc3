package swcache

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sitemapSite() *http.ServeMux {
	mux := siteHandler()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>/sitemap-pages.xml</loc></sitemap>
  <sitemap><loc>https://octomatic.test/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	})
	mux.HandleFunc("/sitemap-pages.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://octomatic.test/blog/a </loc></url>
  <url><loc>https://octomatic.test/blog/b</loc></url>
  <url><loc>https://elsewhere.test/x</loc></url>
</urlset>`)
	})
	return mux
}

func TestWarmFromSitemaps(t *testing.T) {
	net := &fakeNetwork{handler: sitemapSite()}
	e, gens := newTestEngine(t, net, nil)

	stored, ignored, err := e.WarmFromSitemaps(context.Background(), []string{"/sitemap.xml"})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Equal(t, 1, ignored)
	gens.Flush()

	got, ok := gens.Read(e.Names().Dynamic, testOrigin+"/blog/a")
	require.True(t, ok)
	assert.Equal(t, "page /blog/a", string(got.Body))

	net.SetOffline(true)
	resp := e.Fetch(newGet(t, "/blog/b", "document", "navigate"))
	assert.Equal(t, "page /blog/b", readBody(t, resp))
	assert.Equal(t, OutcomeCacheFallback, resp.Header.Get(outcomeHeader))

	net.SetOffline(false)
	stored, _, err = e.WarmFromSitemaps(context.Background(), []string{"/sitemap-pages.xml"})
	require.NoError(t, err)
	assert.Zero(t, stored, "cached pages are not fetched again")
}

func TestWarmFromSitemapsErrors(t *testing.T) {
	net := &fakeNetwork{handler: sitemapSite()}
	e, _ := newTestEngine(t, net, nil)

	_, _, err := e.WarmFromSitemaps(context.Background(), []string{"/missing.png"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = e.WarmFromSitemaps(ctx, []string{"/sitemap.xml"})
	require.ErrorIs(t, err, context.Canceled)
}
