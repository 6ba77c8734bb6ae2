package stanchion

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TTLAdapter computes the storage TTL for a response from the configured
// base TTL and the response metadata. Returning zero or a negative duration
// means the response is not cached at all.
type TTLAdapter func(statusCode int, header http.Header, baseTTL time.Duration) time.Duration

// maxAdaptedTTL bounds header-derived TTLs; anything longer invites stale
// data in a process-lifetime cache.
const maxAdaptedTTL = 24 * time.Hour

// DefaultTTLAdapter derives the TTL from standard response headers:
// no-store and no-cache suppress caching, max-age (or s-maxage when max-age
// is absent) and Expires override the base TTL, and error responses are
// never cached. Responses with no freshness headers get the base TTL.
func DefaultTTLAdapter(statusCode int, header http.Header, baseTTL time.Duration) time.Duration {
	if statusCode >= 400 {
		return 0
	}

	directives := ParseCacheControl(header.Get("Cache-Control"))
	if directives.NoStore || directives.NoCache {
		return 0
	}

	if directives.MaxAge != nil {
		return clampTTL(*directives.MaxAge)
	}
	if directives.SMaxAge != nil {
		return clampTTL(*directives.SMaxAge)
	}

	if expires := parseExpires(header.Get("Expires")); expires != nil {
		return clampTTL(time.Until(*expires))
	}

	return baseTTL
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl > maxAdaptedTTL {
		return maxAdaptedTTL
	}
	return ttl
}

// FixedTTLAdapter ignores response metadata and always applies the base
// TTL. Useful against servers whose cache headers are wrong.
func FixedTTLAdapter(statusCode int, header http.Header, baseTTL time.Duration) time.Duration {
	if statusCode >= 400 {
		return 0
	}
	return baseTTL
}

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore        bool
	NoCache        bool
	MaxAge         *time.Duration
	SMaxAge        *time.Duration
	MustRevalidate bool
	Public         bool
	Private        bool
}

// ParseCacheControl parses a Cache-Control header into structured
// directives. Unknown directives are ignored.
func ParseCacheControl(header string) *CacheDirectives {
	directives := &CacheDirectives{}
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.Trim(strings.TrimSpace(kv[1]), "\"")

			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil {
					maxAge := time.Duration(seconds) * time.Second
					directives.MaxAge = &maxAge
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil {
					sMaxAge := time.Duration(seconds) * time.Second
					directives.SMaxAge = &sMaxAge
				}
			}
		} else {
			switch part {
			case "no-store":
				directives.NoStore = true
			case "no-cache":
				directives.NoCache = true
			case "must-revalidate":
				directives.MustRevalidate = true
			case "public":
				directives.Public = true
			case "private":
				directives.Private = true
			}
		}
	}

	return directives
}

// parseExpires parses the Expires header. The HTTP date formats are tried
// in preference order; unparseable values caches treat as already expired,
// but here they simply fall through to the base TTL.
func parseExpires(header string) *time.Time {
	if header == "" {
		return nil
	}

	for _, layout := range []string{time.RFC1123, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, header); err == nil {
			return &t
		}
	}
	return nil
}
