package swcache

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// RequestInfo is what the classifier looks at. Dest and Mode carry the
// Sec-Fetch-Dest and Sec-Fetch-Mode values sent by the browser.
type RequestInfo struct {
	URL    *url.URL
	Method string
	Dest   string
	Mode   string
}

type classifyRule struct {
	name    string
	match   func(c *Classifier, ri RequestInfo) bool
	purpose Purpose
	strat   Strategy
	maxAge  time.Duration
}

const day = 24 * time.Hour

var (
	imageExts  = extSet("png", "jpg", "jpeg", "gif", "webp", "avif", "svg", "ico", "bmp")
	staticExts = extSet("css", "js", "mjs", "woff", "woff2", "ttf", "otf", "eot")
)

// Order matters: api must be checked before document and navigation so API
// calls under page-like paths are never treated as pages.
var classifyRules = []classifyRule{
	{"api", (*Classifier).isAPI, PurposeAPI, NetworkFirst, time.Hour},
	{"image", isImage, PurposeImages, CacheFirst, 30 * day},
	{"document", isDocument, PurposeDynamic, NetworkFirst, day},
	{"spa-route", isSPARoute, PurposeDynamic, NetworkFirst, day},
	{"static", isStatic, PurposeStatic, CacheFirst, 7 * day},
}

var defaultRule = classifyRule{name: "default", purpose: PurposeDynamic, strat: NetworkFirst, maxAge: day}

// Classifier maps a request to the generation and strategy that serve it.
// It is a pure function of its input and the generation names.
type Classifier struct {
	names     GenerationNames
	apiMarker string
}

func NewClassifier(names GenerationNames, apiMarker string) *Classifier {
	if apiMarker == "" {
		apiMarker = "/api/"
	}
	return &Classifier{names: names, apiMarker: apiMarker}
}

func (c *Classifier) Classify(ri RequestInfo) Classification {
	r := defaultRule
	for _, cand := range classifyRules {
		if cand.match(c, ri) {
			r = cand
			break
		}
	}
	return Classification{
		Rule:      r.name,
		Purpose:   r.purpose,
		CacheName: c.names.For(r.purpose),
		Strategy:  r.strat,
		MaxAge:    r.maxAge,
	}
}

// RuleNames lists the classification rules in evaluation order.
func RuleNames() []string {
	out := make([]string, 0, len(classifyRules)+1)
	for _, r := range classifyRules {
		out = append(out, r.name)
	}
	return append(out, defaultRule.name)
}

func (c *Classifier) isAPI(ri RequestInfo) bool {
	p := urlPath(ri)
	marker := strings.TrimSuffix(c.apiMarker, "/")
	return strings.Contains(p+"/", marker+"/")
}

func isImage(_ *Classifier, ri RequestInfo) bool {
	if ri.Dest == "image" {
		return true
	}
	_, ok := imageExts[ext(urlPath(ri))]
	return ok
}

func isDocument(_ *Classifier, ri RequestInfo) bool {
	if ri.Dest == "document" {
		return true
	}
	p := urlPath(ri)
	return p == "" || strings.HasSuffix(p, "/")
}

func isSPARoute(_ *Classifier, ri RequestInfo) bool {
	return ri.Mode == "navigate" && ext(urlPath(ri)) == ""
}

func isStatic(_ *Classifier, ri RequestInfo) bool {
	switch ri.Dest {
	case "style", "script", "font":
		return true
	}
	_, ok := staticExts[ext(urlPath(ri))]
	return ok
}

func urlPath(ri RequestInfo) string {
	if ri.URL == nil {
		return ""
	}
	return ri.URL.Path
}

func ext(p string) string {
	e := path.Ext(path.Base(p))
	return strings.ToLower(strings.TrimPrefix(e, "."))
}

func extSet(exts ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		m[e] = struct{}{}
	}
	return m
}
