package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

const (
	// tokenRefreshMargin is how long before expiry a cached token is replaced.
	tokenRefreshMargin = 60 * time.Second
	tokenExchangePath  = "/v1.0/oauth2/accessToken"
	tokenTimeout       = 15 * time.Second
)

// TokenCache hands out access tokens per client id, exchanging credentials
// only when no cached token is valid for at least another minute. Concurrent
// callers for the same credentials share one exchange.
type TokenCache struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.BridgeMetrics
	now        func() time.Time

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenCache creates an empty cache.
func NewTokenCache(log *slog.Logger, httpClient *http.Client) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenTimeout}
	}
	return &TokenCache{
		httpClient: httpClient,
		logger:     log.With(slog.String("component", "dingtalk_token")),
		now:        time.Now,
		sources:    map[string]oauth2.TokenSource{},
	}
}

// SetMetrics configures exchange counters for sources created afterwards.
func (c *TokenCache) SetMetrics(m *metrics.BridgeMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Token returns a valid access token for creds.
func (c *TokenCache) Token(ctx context.Context, creds Credentials) (string, error) {
	if strings.TrimSpace(creds.ClientID) == "" || strings.TrimSpace(creds.ClientSecret) == "" {
		return "", ErrMissingCredentials
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// oauth2.TokenSource takes no context. A caller that gives up leaves the
	// exchange running under its own timeout; the result still lands in the
	// cache for the next caller.
	src := c.source(creds)
	done := make(chan tokenResult, 1)
	go func() {
		tok, err := src.Token()
		done <- tokenResult{tok: tok, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return res.tok.AccessToken, nil
	}
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// Invalidate drops the cached token for a client id.
func (c *TokenCache) Invalidate(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.sources {
		if strings.HasPrefix(key, clientID+"\x00") {
			delete(c.sources, key)
		}
	}
}

func (c *TokenCache) source(creds Credentials) oauth2.TokenSource {
	key := creds.ClientID + "\x00" + creds.ClientSecret + "\x00" + creds.baseURL()
	c.mu.Lock()
	defer c.mu.Unlock()
	if src, ok := c.sources[key]; ok {
		return src
	}
	exchange := &exchangeSource{
		creds:      creds,
		httpClient: c.httpClient,
		logger:     c.logger,
		metrics:    c.metrics,
		now:        c.now,
	}
	src := oauth2.ReuseTokenSourceWithExpiry(nil, exchange, tokenRefreshMargin)
	c.sources[key] = src
	return src
}

// exchangeSource performs one credential exchange per Token call.
type exchangeSource struct {
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.BridgeMetrics
	now        func() time.Time
}

type tokenRequest struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireIn    int64  `json:"expireIn"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *exchangeSource) Token() (*oauth2.Token, error) {
	tok, err := s.exchange()
	if err != nil {
		s.metrics.ObserveTokenExchange("failed")
		s.logger.Warn("token exchange failed", slog.String("client_id", s.creds.ClientID), slog.Any("error", err))
		return nil, err
	}
	s.metrics.ObserveTokenExchange("ok")
	s.logger.Debug("token exchanged", slog.String("client_id", s.creds.ClientID), slog.Time("expiry", tok.Expiry))
	return tok, nil
}

func (s *exchangeSource) exchange() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()

	body, err := json.Marshal(tokenRequest{AppKey: s.creds.ClientID, AppSecret: s.creds.ClientSecret})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.baseURL()+tokenExchangePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dingtalk token request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read dingtalk token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dingtalk token exchange failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode dingtalk token response: %w", err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return nil, fmt.Errorf("dingtalk token exchange returned no token: %s %s", parsed.Code, parsed.Message)
	}
	expiry := s.now().Add(time.Duration(parsed.ExpireIn) * time.Second)
	return &oauth2.Token{
		AccessToken: parsed.AccessToken,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
