package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/media"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

const (
	mediaDownloadPath = "/v1.0/robot/messageFiles/download"
	accessTokenHeader = "x-acs-dingtalk-access-token"
)

// StagedFilePrefix names every file the retriever stages; the media janitor
// sweeps by it.
const StagedFilePrefix = "dingtalk_"

type tokenProvider interface {
	Token(ctx context.Context, creds Credentials) (string, error)
	Invalidate(clientID string)
}

// tokenRejected reports a platform response refusing the access token.
func tokenRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// MediaRetriever resolves a message download code to a staged local file.
type MediaRetriever struct {
	tokens     tokenProvider
	httpClient *http.Client
	dir        string
	maxBytes   int64
	logger     *slog.Logger
	metrics    *metrics.BridgeMetrics
}

// NewMediaRetriever creates a retriever staging files into dir.
func NewMediaRetriever(log *slog.Logger, tokens tokenProvider, httpClient *http.Client, dir string, maxBytes int64) *MediaRetriever {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = media.MaxStagedBytes
	}
	return &MediaRetriever{
		tokens:     tokens,
		httpClient: httpClient,
		dir:        dir,
		maxBytes:   maxBytes,
		logger:     log.With(slog.String("component", "dingtalk_media")),
	}
}

// Retrieve downloads the media behind downloadCode. Any failure is logged and
// reported as nil; the caller carries on without media.
func (r *MediaRetriever) Retrieve(ctx context.Context, creds Credentials, downloadCode string) *media.Staged {
	downloadCode = strings.TrimSpace(downloadCode)
	if downloadCode == "" {
		return nil
	}
	staged, err := r.fetch(ctx, creds, downloadCode)
	if err != nil {
		r.metrics.ObserveMedia(Type.String(), "failed")
		r.logger.Warn("media retrieval failed", slog.String("client_id", creds.ClientID), slog.Any("error", err))
		return nil
	}
	r.metrics.ObserveMedia(Type.String(), "staged")
	r.logger.Debug("media staged",
		slog.String("path", staged.Path),
		slog.String("content_type", staged.ContentType),
		slog.Int64("size", staged.Size),
	)
	return staged
}

type downloadRequest struct {
	DownloadCode string `json:"downloadCode"`
	RobotCode    string `json:"robotCode"`
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

func (r *MediaRetriever) fetch(ctx context.Context, creds Credentials, downloadCode string) (*media.Staged, error) {
	if r.tokens == nil {
		return nil, fmt.Errorf("token provider not configured")
	}
	token, err := r.tokens.Token(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	downloadURL, err := r.resolveDownloadURL(ctx, creds, token, downloadCode)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	return media.Stage(resp.Body, media.StageOptions{
		Dir:         r.dir,
		Prefix:      StagedFilePrefix,
		ContentType: resp.Header.Get("Content-Type"),
		MaxBytes:    r.maxBytes,
	})
}

func (r *MediaRetriever) resolveDownloadURL(ctx context.Context, creds Credentials, token, downloadCode string) (string, error) {
	body, err := json.Marshal(downloadRequest{DownloadCode: downloadCode, RobotCode: creds.robotCode()})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.baseURL()+mediaDownloadPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(accessTokenHeader, token)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve download url: %w", err)
	}
	defer resp.Body.Close()
	raw, err := media.ReadAllWithLimit(resp.Body, 64<<10)
	if err != nil {
		return "", fmt.Errorf("read download url response: %w", err)
	}
	if tokenRejected(resp.StatusCode) {
		r.tokens.Invalidate(creds.ClientID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("resolve download url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed downloadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode download url response: %w", err)
	}
	if strings.TrimSpace(parsed.DownloadURL) == "" {
		return "", fmt.Errorf("resolve download url: empty downloadUrl")
	}
	return parsed.DownloadURL, nil
}
