// Package agent talks to the conversational agent gateway.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

const maxResponseBytes = 4 << 20

// Client dispatches inbound contexts to the agent gateway's /chat/ endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "agent_gateway")),
	}
}

type chatRequest struct {
	RequestID  string                 `json:"request_id"`
	AgentID    string                 `json:"agent_id"`
	SessionKey string                 `json:"session_key"`
	Query      string                 `json:"query"`
	Context    inbound.InboundContext `json:"context"`
}

type chatResponse struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

// Dispatch implements inbound.Dispatcher. An empty response or 204 means the
// agent chose not to reply.
func (c *Client) Dispatch(ctx context.Context, ictx inbound.InboundContext) (*inbound.Reply, error) {
	payload := chatRequest{
		RequestID:  uuid.NewString(),
		AgentID:    ictx.AgentID,
		SessionKey: ictx.SessionKey,
		Query:      ictx.Body,
		Context:    ictx,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/chat/"
	c.logger.Debug("gateway request",
		slog.String("url", url),
		slog.String("request_id", payload.RequestID),
		slog.String("body_prefix", channel.SummarizeText(string(body))),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent gateway request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("gateway error", slog.String("url", url), slog.Int("status", resp.StatusCode), slog.String("body_prefix", channel.SummarizeText(string(respBody))))
		return nil, fmt.Errorf("agent gateway error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse gateway response: %w", err)
	}
	if strings.TrimSpace(parsed.Text) == "" && strings.TrimSpace(parsed.Markdown) == "" {
		return nil, nil
	}
	return &inbound.Reply{Text: parsed.Text, Markdown: parsed.Markdown}, nil
}
