package stanchion

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewConnectionPool(t *testing.T) {
	pool, err := NewConnectionPool(PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}

	if pool.config.MaxConnsPerHost != DefaultMaxConnsPerHost {
		t.Errorf("Expected MaxConnsPerHost=%d, got %d", DefaultMaxConnsPerHost, pool.config.MaxConnsPerHost)
	}
	if pool.config.AcquireTimeout != DefaultAcquireTimeout {
		t.Errorf("Expected AcquireTimeout=%v, got %v", DefaultAcquireTimeout, pool.config.AcquireTimeout)
	}
	if pool.transport.DisableKeepAlives {
		t.Error("Expected keep-alives enabled with zero config")
	}
}

func TestNewConnectionPoolDefaults(t *testing.T) {
	pool, err := NewConnectionPool(DefaultPoolConfig(), nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}

	if pool.transport.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("Expected MaxIdleConnsPerHost=%d, got %d", DefaultMaxIdleConnsPerHost, pool.transport.MaxIdleConnsPerHost)
	}
	if pool.transport.IdleConnTimeout != DefaultIdleConnTimeout {
		t.Errorf("Expected IdleConnTimeout=%v, got %v", DefaultIdleConnTimeout, pool.transport.IdleConnTimeout)
	}
}

func TestConnectionPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 2, KeepAlive: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	var wg sync.WaitGroup
	var failures int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(server.URL)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			io.ReadAll(resp.Body)
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Errorf("Expected all requests to succeed, %d failed", failures)
	}
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("Expected at most 2 concurrent requests, saw %d", got)
	}
}

func TestConnectionPoolReleaseOnBodyClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	hostKey := strings.TrimPrefix(server.URL, "http://")

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 1, KeepAlive: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}

	resp, err := pool.RoundTrip(mustRequest(t, "GET", server.URL, ""))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}

	// The slot is held until the body is closed.
	if got := pool.Active(hostKey); got != 1 {
		t.Errorf("Expected 1 active request, got %d", got)
	}

	io.ReadAll(resp.Body)
	resp.Body.Close()

	if got := pool.Active(hostKey); got != 0 {
		t.Errorf("Expected 0 active requests after close, got %d", got)
	}

	// Closing again must not double-release the slot.
	resp.Body.Close()
	if got := pool.Active(hostKey); got != 0 {
		t.Errorf("Expected close to be idempotent, active=%d", got)
	}
}

func TestConnectionPoolAcquireTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	pool, err := NewConnectionPool(PoolConfig{
		MaxConnsPerHost: 1,
		KeepAlive:       true,
		AcquireTimeout:  30 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}

	held, err := pool.RoundTrip(mustRequest(t, "GET", server.URL, ""))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}

	// The only slot is held, so the next acquisition times out.
	_, err = pool.RoundTrip(mustRequest(t, "GET", server.URL, ""))
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}

	stats := pool.Stats()
	if stats.AcquireTimeouts != 1 {
		t.Errorf("Expected 1 acquire timeout, got %d", stats.AcquireTimeouts)
	}

	io.ReadAll(held.Body)
	held.Body.Close()

	// Slot freed; the pool admits requests again.
	resp, err := pool.RoundTrip(mustRequest(t, "GET", server.URL, ""))
	if err != nil {
		t.Fatalf("RoundTrip after release failed: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()
}

func TestConnectionPoolCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 1, KeepAlive: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}

	held, err := pool.RoundTrip(mustRequest(t, "GET", server.URL, ""))
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	defer func() {
		io.ReadAll(held.Body)
		held.Body.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := mustRequest(t, "GET", server.URL, "").WithContext(ctx)

	// A waiter whose own deadline expires gets its context error, not
	// pool exhaustion.
	_, err = pool.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	stats := pool.Stats()
	if stats.AcquireTimeouts != 0 {
		t.Errorf("Expected no acquire timeouts for caller cancellation, got %d", stats.AcquireTimeouts)
	}
}

func TestConnectionPoolReusesConnections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 4, KeepAlive: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	stats := pool.Stats()
	if stats.Created == 0 {
		t.Error("Expected at least one created connection")
	}
	if stats.Reused == 0 {
		t.Error("Expected keep-alive connections to be reused")
	}
	if stats.ReuseRate <= 0 {
		t.Errorf("Expected positive reuse rate, got %f", stats.ReuseRate)
	}
}

func TestConnectionPoolConnReuseObserver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var reuses int64
	pool, err := NewConnectionPool(PoolConfig{
		MaxConnsPerHost: 4,
		KeepAlive:       true,
		OnConnReuse: func(host string) {
			atomic.AddInt64(&reuses, 1)
			if !strings.Contains(server.URL, host) {
				t.Errorf("Expected observed host from %s, got %q", server.URL, host)
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if got := atomic.LoadInt64(&reuses); got == 0 {
		t.Error("Expected reused connections to be observed")
	}
}

func TestConnectionPoolKeepAliveDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 4, KeepAlive: false}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	stats := pool.Stats()
	if stats.Reused != 0 {
		t.Errorf("Expected no reuse with keep-alive disabled, got %d", stats.Reused)
	}
	if stats.Created != 3 {
		t.Errorf("Expected 3 created connections, got %d", stats.Created)
	}
}

func TestConnectionPoolProtocolUpgrade(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Proto))
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	tlsConfig := &tls.Config{RootCAs: roots}

	upgraded, err := NewConnectionPool(PoolConfig{
		MaxConnsPerHost: 4,
		KeepAlive:       true,
		ProtocolUpgrade: true,
		TLSClientConfig: tlsConfig,
	}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	defer upgraded.CloseIdleConnections()

	resp, err := (&http.Client{Transport: upgraded}).Get(server.URL)
	if err != nil {
		t.Fatalf("Request over upgraded pool failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.ProtoMajor != 2 {
		t.Errorf("Expected HTTP/2 with protocol upgrade, got %s", resp.Proto)
	}
	if string(body) != "HTTP/2.0" {
		t.Errorf("Expected the server to handle HTTP/2.0, got %q", body)
	}

	plain, err := NewConnectionPool(PoolConfig{
		MaxConnsPerHost: 4,
		KeepAlive:       true,
		ProtocolUpgrade: false,
		TLSClientConfig: tlsConfig,
	}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	defer plain.CloseIdleConnections()

	resp, err = (&http.Client{Transport: plain}).Get(server.URL)
	if err != nil {
		t.Fatalf("Request over plain pool failed: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.ProtoMajor != 1 {
		t.Errorf("Expected HTTP/1.1 without protocol upgrade, got %s", resp.Proto)
	}
}

func TestConnectionPoolGlobalCap(t *testing.T) {
	var inFlight, peak int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		defer atomic.AddInt64(&inFlight, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("ok"))
	})
	serverA := httptest.NewServer(handler)
	defer serverA.Close()
	serverB := httptest.NewServer(handler)
	defer serverB.Close()

	pool, err := NewConnectionPool(PoolConfig{
		MaxConnsPerHost: 4,
		KeepAlive:       true,
		GlobalMaxConns:  2,
	}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		url := serverA.URL
		if i%2 == 1 {
			url = serverB.URL
		}
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			resp, err := client.Get(u)
			if err != nil {
				t.Errorf("Request failed: %v", err)
				return
			}
			io.ReadAll(resp.Body)
			resp.Body.Close()
		}(url)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("Expected at most 2 concurrent requests across hosts, saw %d", got)
	}
}

func TestConnectionPoolDNSCacheDial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	_, port, _ := strings.Cut(strings.TrimPrefix(server.URL, "http://"), ":")

	var lookups int64
	dns := NewDNSCache(time.Minute)
	dns.SetLookupFunc(func(ctx context.Context, host string) ([]string, error) {
		atomic.AddInt64(&lookups, 1)
		return []string{"127.0.0.1"}, nil
	})

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 4, KeepAlive: true}, dns)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	for i := 0; i < 2; i++ {
		resp, err := client.Get("http://api.internal.test:" + port)
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if got := atomic.LoadInt64(&lookups); got != 1 {
		t.Errorf("Expected 1 cached lookup across requests, got %d", got)
	}
}

func TestConnectionPoolStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()
	hostKey := strings.TrimPrefix(server.URL, "http://")

	pool, err := NewConnectionPool(PoolConfig{MaxConnsPerHost: 4, KeepAlive: true}, nil)
	if err != nil {
		t.Fatalf("NewConnectionPool failed: %v", err)
	}
	client := &http.Client{Transport: pool}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	io.ReadAll(resp.Body)
	resp.Body.Close()

	stats := pool.Stats()
	if stats.Created != 1 {
		t.Errorf("Expected 1 created connection, got %d", stats.Created)
	}
	if got := stats.ActivePerHost[hostKey]; got != 0 {
		t.Errorf("Expected 0 active after close, got %d", got)
	}

	pool.CloseIdleConnections()
}
