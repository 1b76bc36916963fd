package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tokenServer struct {
	server   *httptest.Server
	calls    atomic.Int32
	expireIn int64
	status   int
	delay    time.Duration
}

func newTokenServer(t *testing.T, expireIn int64) *tokenServer {
	t.Helper()
	ts := &tokenServer{expireIn: expireIn, status: http.StatusOK}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenExchangePath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppKey == "" || req.AppSecret == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		n := ts.calls.Add(1)
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if ts.status != http.StatusOK {
			w.WriteHeader(ts.status)
			_, _ = w.Write([]byte(`{"code":"invalidClient","message":"bad secret"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "tok-" + req.AppKey + "-" + string(rune('0'+n)),
			ExpireIn:    ts.expireIn,
		})
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *tokenServer) creds(clientID string) Credentials {
	return Credentials{ClientID: clientID, ClientSecret: "secret", APIBaseURL: ts.server.URL}
}

func TestTokenCacheReusesValidToken(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	first, err := cache.Token(context.Background(), ts.creds("app"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cache.Token(context.Background(), ts.creds("app"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second || first != "tok-app-1" {
		t.Fatalf("expected cached token, got %q and %q", first, second)
	}
	if ts.calls.Load() != 1 {
		t.Fatalf("expected one exchange, got %d", ts.calls.Load())
	}
}

func TestTokenCacheRefreshesWithinMargin(t *testing.T) {
	t.Parallel()

	// 30s of remaining validity is inside the 60s refresh margin.
	ts := newTokenServer(t, 30)
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	for i := 0; i < 3; i++ {
		if _, err := cache.Token(context.Background(), ts.creds("app")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ts.calls.Load() != 3 {
		t.Fatalf("expected an exchange per call, got %d", ts.calls.Load())
	}
}

func TestTokenCacheIsPerClient(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	a, _ := cache.Token(context.Background(), ts.creds("a"))
	b, _ := cache.Token(context.Background(), ts.creds("b"))
	if a == b {
		t.Fatalf("expected distinct tokens per client, got %q", a)
	}
	if ts.calls.Load() != 2 {
		t.Fatalf("expected two exchanges, got %d", ts.calls.Load())
	}
}

func TestTokenCacheConcurrentCallersShareExchange(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	ts.delay = 50 * time.Millisecond
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Token(context.Background(), ts.creds("app"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	if ts.calls.Load() != 1 {
		t.Fatalf("expected single exchange, got %d", ts.calls.Load())
	}
	for _, tok := range tokens {
		if tok != "tok-app-1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
}

func TestTokenCacheExchangeFailure(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	ts.status = http.StatusUnauthorized
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	if _, err := cache.Token(context.Background(), ts.creds("app")); err == nil {
		t.Fatalf("expected exchange error")
	}
	if _, err := cache.Token(context.Background(), ts.creds("app")); err == nil {
		t.Fatalf("expected exchange error on retry")
	}
	if ts.calls.Load() != 2 {
		t.Fatalf("failures must not be cached, got %d calls", ts.calls.Load())
	}
}

func TestTokenCacheMissingCredentials(t *testing.T) {
	t.Parallel()

	cache := NewTokenCache(discardLogger(), nil)
	_, err := cache.Token(context.Background(), Credentials{ClientID: "id"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestTokenCacheInvalidate(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	cache := NewTokenCache(discardLogger(), ts.server.Client())
	_, _ = cache.Token(context.Background(), ts.creds("app"))
	cache.Invalidate("app")
	_, _ = cache.Token(context.Background(), ts.creds("app"))
	if ts.calls.Load() != 2 {
		t.Fatalf("expected re-exchange after invalidate, got %d", ts.calls.Load())
	}
}

func TestTokenCacheHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	ts.delay = 500 * time.Millisecond
	cache := NewTokenCache(discardLogger(), ts.server.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cache.Token(ctx, ts.creds("app"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= ts.delay {
		t.Fatalf("caller waited for the exchange: %s", elapsed)
	}

	tok, err := cache.Token(context.Background(), ts.creds("app"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "tok-app-1" || ts.calls.Load() != 1 {
		t.Fatalf("expected the background exchange to be reused, got %q after %d calls", tok, ts.calls.Load())
	}
}
