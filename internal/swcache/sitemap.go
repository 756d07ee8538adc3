package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// WarmFromSitemaps fetches every same-origin page listed in the given
// sitemaps (following sitemap indexes) and stores successful responses in the
// dynamic generation, so those pages can be served offline before anyone
// visited them. Pages already cached are left alone.
func (e *Engine) WarmFromSitemaps(ctx context.Context, sitemaps []string) (stored, ignored int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, e.absoluteURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return stored, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := e.fetchSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, e.absoluteURL(nested))
			}
		}

		for _, loc := range doc.URLs {
			u, err := url.Parse(e.absoluteURL(loc))
			if err != nil || !sameOrigin(u, e.opts.Origin) {
				ignored++
				continue
			}
			id := requestIdentity(u)
			if _, ok := e.gens.Read(e.opts.Names.Dynamic, id); ok {
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				ignored++
				continue
			}
			req.Header.Set("Sec-Fetch-Dest", "document")
			ent, err := e.fetchNetwork(req)
			if err != nil || !e.cacheable(ent) {
				ignored++
				continue
			}
			e.gens.WriteAsync(e.opts.Names.Dynamic, id, ent)
			stored++
		}
	}
	return stored, ignored, nil
}

func (e *Engine) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return e.originURL(u)
}

func (e *Engine) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := e.fetchNetwork(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !statusOK(ent.Status) {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// A .gz sitemap may already have been decompressed by the transport.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	return doc, nil
}

// warmAsync runs WarmFromSitemaps in the background after delay.
func (s *Service) warmAsync() {
	if len(s.cfg.Cache.WarmSitemaps) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.cfg.warmDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.cfg.warmDelay):
			}
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		stored, ignored, err := s.engine.WarmFromSitemaps(ctx, s.cfg.Cache.WarmSitemaps)
		if err != nil {
			log.Printf("warm: %v", err)
		}
		log.Printf("warm: stored=%d ignored=%d", stored, ignored)
	}()
}
