package swcache

import (
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Purpose is the logical role of a cache generation.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeImages  Purpose = "images"
	PurposeAPI     Purpose = "api"
)

type Strategy int

const (
	CacheFirst Strategy = iota
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	}
	return "unknown"
}

// GenerationNames holds the current generation name for every purpose.
type GenerationNames struct {
	Static  string
	Dynamic string
	Images  string
	API     string
}

func NewGenerationNames(prefix, version string) GenerationNames {
	name := func(p Purpose) string { return prefix + "-" + string(p) + "-" + version }
	return GenerationNames{
		Static:  name(PurposeStatic),
		Dynamic: name(PurposeDynamic),
		Images:  name(PurposeImages),
		API:     name(PurposeAPI),
	}
}

func (g GenerationNames) For(p Purpose) string {
	switch p {
	case PurposeStatic:
		return g.Static
	case PurposeImages:
		return g.Images
	case PurposeAPI:
		return g.API
	}
	return g.Dynamic
}

func (g GenerationNames) Set() map[string]struct{} {
	return map[string]struct{}{
		g.Static:  {},
		g.Dynamic: {},
		g.Images:  {},
		g.API:     {},
	}
}

// Classification is derived per request and never persisted. MaxAge is
// advisory; nothing evicts entries by age.
type Classification struct {
	Rule      string
	Purpose   Purpose
	CacheName string
	Strategy  Strategy
	MaxAge    time.Duration
}
