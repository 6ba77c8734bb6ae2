package stanchion

import (
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint reduces a request to its canonical key: method plus the
// normalized URL, with an FNV-64a digest appended when vary headers or a
// request body contribute to identity. Two requests with the same
// fingerprint are considered identical for caching and coalescing.
//
// Normalization lowercases scheme and host, strips default ports, sorts
// query parameters and drops the fragment, so semantically equal URLs
// written differently collapse onto one key.
func Fingerprint(req *http.Request, varyHeaders []string) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	if req.URL != nil {
		b.WriteString(normalizeURL(req.URL))
	}

	h := fnv.New64a()
	hashed := false

	for _, name := range varyHeaders {
		if values := req.Header.Values(name); len(values) > 0 {
			hashed = true
			h.Write([]byte(http.CanonicalHeaderKey(name)))
			h.Write([]byte{':'})
			h.Write([]byte(strings.Join(values, ",")))
			h.Write([]byte{'\n'})
		}
	}

	if req.Body != nil && bodyIdentifiesRequest(req.Method) {
		bodyHash := sha256.New()
		if req.GetBody != nil {
			if body, err := req.GetBody(); err == nil {
				if _, err := io.Copy(bodyHash, body); err == nil {
					hashed = true
					h.Write(bodyHash.Sum(nil))
				}
			}
		}
	}

	if hashed {
		fmt.Fprintf(&b, "#%x", h.Sum64())
	}
	return b.String()
}

func bodyIdentifiesRequest(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func normalizeURL(u *url.URL) string {
	var b strings.Builder

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)

	if u.Path == "" {
		b.WriteByte('/')
	} else {
		b.WriteString(u.EscapedPath())
	}

	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(sortQuery(u.RawQuery))
	}
	return b.String()
}

// sortQuery orders query parameters by key (then value) so parameter order
// does not split the cache.
func sortQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

// DefaultCacheKeyFunc is the fingerprint used for cache lookups.
func DefaultCacheKeyFunc(req *http.Request) string {
	return Fingerprint(req, nil)
}

// DefaultCoalesceKeyFunc is the fingerprint used to merge identical
// in-flight requests. It matches DefaultCacheKeyFunc so a coalesced result
// lands under the key later lookups will probe.
func DefaultCoalesceKeyFunc(req *http.Request) string {
	return Fingerprint(req, nil)
}

// DefaultCacheCondition caches GET responses only.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// DefaultCoalesceCondition merges safe idempotent methods.
func DefaultCoalesceCondition(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
