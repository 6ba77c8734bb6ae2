package stanchion

import (
	"net/http"
	"strings"
	"testing"
)

func mustRequest(t *testing.T, method, url string, body string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	}
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req
}

func TestFingerprintNormalizesEquivalentURLs(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"query order", "http://example.com/users?b=2&a=1", "http://example.com/users?a=1&b=2"},
		{"host case", "http://EXAMPLE.com/users", "http://example.com/users"},
		{"default http port", "http://example.com:80/users", "http://example.com/users"},
		{"default https port", "https://example.com:443/users", "https://example.com/users"},
		{"fragment dropped", "http://example.com/users#section", "http://example.com/users"},
		{"empty path", "http://example.com", "http://example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Fingerprint(mustRequest(t, "GET", tt.a, ""), nil)
			b := Fingerprint(mustRequest(t, "GET", tt.b, ""), nil)
			if a != b {
				t.Errorf("Expected equal fingerprints, got %q and %q", a, b)
			}
		})
	}
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	tests := []struct {
		name    string
		methodA string
		urlA    string
		methodB string
		urlB    string
	}{
		{"method", "GET", "http://example.com/users", "HEAD", "http://example.com/users"},
		{"path", "GET", "http://example.com/users/1", "GET", "http://example.com/users/2"},
		{"query value", "GET", "http://example.com/users?page=1", "GET", "http://example.com/users?page=2"},
		{"non-default port", "GET", "http://example.com:8080/users", "GET", "http://example.com:9090/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Fingerprint(mustRequest(t, tt.methodA, tt.urlA, ""), nil)
			b := Fingerprint(mustRequest(t, tt.methodB, tt.urlB, ""), nil)
			if a == b {
				t.Errorf("Expected distinct fingerprints, both %q", a)
			}
		})
	}
}

func TestFingerprintVaryHeaders(t *testing.T) {
	a := mustRequest(t, "GET", "http://example.com/users", "")
	a.Header.Set("Authorization", "Bearer token-a")

	b := mustRequest(t, "GET", "http://example.com/users", "")
	b.Header.Set("Authorization", "Bearer token-b")

	// Without vary headers the credential difference is invisible.
	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Error("Expected equal fingerprints without vary headers")
	}

	vary := []string{"Authorization"}
	if Fingerprint(a, vary) == Fingerprint(b, vary) {
		t.Error("Expected distinct fingerprints with vary headers")
	}

	// Header name matching is case-insensitive.
	if Fingerprint(a, []string{"authorization"}) != Fingerprint(a, []string{"Authorization"}) {
		t.Error("Expected vary header names to be case-insensitive")
	}
}

func TestFingerprintVaryHeaderAbsent(t *testing.T) {
	a := mustRequest(t, "GET", "http://example.com/users", "")
	b := mustRequest(t, "GET", "http://example.com/users", "")

	// An absent vary header contributes nothing.
	if Fingerprint(a, []string{"Authorization"}) != Fingerprint(b, nil) {
		t.Error("Expected absent vary header to leave the fingerprint unchanged")
	}
}

func TestFingerprintBody(t *testing.T) {
	a := mustRequest(t, "POST", "http://example.com/users", `{"name":"alice"}`)
	b := mustRequest(t, "POST", "http://example.com/users", `{"name":"bob"}`)
	c := mustRequest(t, "POST", "http://example.com/users", `{"name":"alice"}`)

	if Fingerprint(a, nil) == Fingerprint(b, nil) {
		t.Error("Expected distinct fingerprints for different POST bodies")
	}
	if Fingerprint(a, nil) != Fingerprint(c, nil) {
		t.Error("Expected equal fingerprints for identical POST bodies")
	}
}

func TestFingerprintBodyIgnoredForGet(t *testing.T) {
	withBody := mustRequest(t, "GET", "http://example.com/users", "ignored")
	without := mustRequest(t, "GET", "http://example.com/users", "")

	if Fingerprint(withBody, nil) != Fingerprint(without, nil) {
		t.Error("Expected GET body to be ignored")
	}
}

func TestFingerprintReplayable(t *testing.T) {
	req := mustRequest(t, "POST", "http://example.com/users", `{"name":"alice"}`)

	first := Fingerprint(req, nil)
	second := Fingerprint(req, nil)

	// The body hash reads GetBody, so fingerprinting twice must agree.
	if first != second {
		t.Errorf("Expected stable fingerprint, got %q then %q", first, second)
	}
}

func TestDefaultKeyFuncsAgree(t *testing.T) {
	req := mustRequest(t, "GET", "http://example.com/users?a=1", "")

	if DefaultCacheKeyFunc(req) != DefaultCoalesceKeyFunc(req) {
		t.Error("Expected cache and coalesce keys to agree for the same request")
	}
}

func TestDefaultCacheCondition(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"GET", true},
		{"HEAD", false},
		{"POST", false},
		{"PUT", false},
		{"DELETE", false},
	}

	for _, tt := range tests {
		req := mustRequest(t, tt.method, "http://example.com/", "")
		if got := DefaultCacheCondition(req); got != tt.want {
			t.Errorf("Expected DefaultCacheCondition(%s)=%v, got %v", tt.method, tt.want, got)
		}
	}
}

func TestDefaultCoalesceCondition(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"GET", true},
		{"HEAD", true},
		{"OPTIONS", true},
		{"POST", false},
		{"PUT", false},
		{"DELETE", false},
	}

	for _, tt := range tests {
		req := mustRequest(t, tt.method, "http://example.com/", "")
		if got := DefaultCoalesceCondition(req); got != tt.want {
			t.Errorf("Expected DefaultCoalesceCondition(%s)=%v, got %v", tt.method, tt.want, got)
		}
	}
}
