package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/media"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

var tracer = otel.Tracer("dingtalk-bridge.internal.channel.adapters.dingtalk")

const (
	encodingText     = "text"
	encodingMarkdown = "markdown"

	defaultReplyTitle = "回复"
	maxTitleRunes     = 20
)

var (
	markdownLeadPattern     = regexp.MustCompile(`^\s*(#{1,6}\s|[-*+]\s|\d+\.\s|>)`)
	markdownInlinePattern   = regexp.MustCompile("\\*\\*|__|`|\\[[^\\]]+\\]\\([^)]+\\)")
	// Single-marker emphasis must sit at word boundaries so 2*3*4 and
	// snake_case_name stay plain.
	markdownEmphasisPattern = regexp.MustCompile(`(?:^|[^*\w])\*[^*\s](?:[^*\n]*[^*\s])?\*(?:$|[^*\w])|(?:^|\W)_[^_\s](?:[^_\n]*[^_\s])?_(?:$|\W)`)
	titleMarkerPattern      = regexp.MustCompile(`^\s*(#{1,6}\s+|[-*+]\s+|\d+\.\s+|>\s*)`)
)

// UseMarkdown decides the reply encoding. A non-nil force wins; otherwise text
// is rich when it starts with a heading, list, or quote marker, contains
// emphasis, code, or a link, or spans multiple lines.
func UseMarkdown(text string, force *bool) bool {
	if force != nil {
		return *force
	}
	return markdownLeadPattern.MatchString(text) ||
		markdownInlinePattern.MatchString(text) ||
		markdownEmphasisPattern.MatchString(text) ||
		strings.Contains(text, "\n")
}

// ReplyTitle derives the markdown card title from the first line of text.
func ReplyTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(titleMarkerPattern.ReplaceAllString(line, ""))
	line = strings.Trim(line, "*_` ")
	if line == "" {
		return defaultReplyTitle
	}
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return line
}

// SendOptions controls one reply delivery.
type SendOptions struct {
	AtUserID      string
	ForceMarkdown *bool
}

type replyAt struct {
	AtUserIDs []string `json:"atUserIds,omitempty"`
	IsAtAll   bool     `json:"isAtAll"`
}

type replyText struct {
	Content string `json:"content"`
}

type replyMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ReplyPayload is the JSON body posted to a session webhook.
type ReplyPayload struct {
	MsgType  string         `json:"msgtype"`
	Text     *replyText     `json:"text,omitempty"`
	Markdown *replyMarkdown `json:"markdown,omitempty"`
	At       *replyAt       `json:"at,omitempty"`
}

// BuildReplyPayload encodes text as a text or markdown reply. Markdown bodies
// carry an inline @mention since the platform only renders it in the text.
func BuildReplyPayload(text string, opts SendOptions) ReplyPayload {
	atUser := strings.TrimSpace(opts.AtUserID)
	var at *replyAt
	if atUser != "" {
		at = &replyAt{AtUserIDs: []string{atUser}}
	}
	if UseMarkdown(text, opts.ForceMarkdown) {
		body := text
		if atUser != "" {
			body = text + " @" + atUser
		}
		return ReplyPayload{
			MsgType:  encodingMarkdown,
			Markdown: &replyMarkdown{Title: ReplyTitle(text), Text: body},
			At:       at,
		}
	}
	return ReplyPayload{
		MsgType: encodingText,
		Text:    &replyText{Content: text},
		At:      at,
	}
}

// ReplyEncoder posts replies to a message's session webhook.
type ReplyEncoder struct {
	tokens     tokenProvider
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.BridgeMetrics
	now        func() time.Time
}

// NewReplyEncoder creates an encoder authorizing with tokens.
func NewReplyEncoder(log *slog.Logger, tokens tokenProvider, httpClient *http.Client) *ReplyEncoder {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ReplyEncoder{
		tokens:     tokens,
		httpClient: httpClient,
		logger:     log.With(slog.String("component", "dingtalk_reply")),
		now:        time.Now,
	}
}

// Send delivers text to target. A non-2xx status or a platform errcode is an
// error; the reply target is not retried.
func (e *ReplyEncoder) Send(ctx context.Context, creds Credentials, target channel.ReplyTarget, text string, opts SendOptions) (channel.SendResult, error) {
	ctx, span := tracer.Start(ctx, "dingtalk.reply.send")
	defer span.End()

	result, err := e.send(ctx, creds, target, text, opts)
	status := "ok"
	if err != nil {
		status = "failed"
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("encoding", result.Encoding), attribute.String("status", status))
	e.metrics.ObserveReply(Type.String(), result.Encoding, status)
	return result, err
}

func (e *ReplyEncoder) send(ctx context.Context, creds Credentials, target channel.ReplyTarget, text string, opts SendOptions) (channel.SendResult, error) {
	payload := BuildReplyPayload(text, opts)
	result := channel.SendResult{Encoding: payload.MsgType}
	if strings.TrimSpace(target.URL) == "" {
		return result, fmt.Errorf("dingtalk reply target is empty")
	}
	if target.Expired(e.now()) {
		return result, fmt.Errorf("dingtalk reply target expired at %s", target.ExpiresAt.Format(time.RFC3339))
	}
	token, err := e.tokens.Token(ctx, creds)
	if err != nil {
		return result, fmt.Errorf("get access token: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return result, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(accessTokenHeader, token)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("dingtalk reply request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := media.ReadAllWithLimit(resp.Body, 64<<10)
	if err != nil {
		return result, fmt.Errorf("read dingtalk reply response: %w", err)
	}
	if tokenRejected(resp.StatusCode) {
		e.tokens.Invalidate(creds.ClientID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("dingtalk reply failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	data := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return result, fmt.Errorf("decode dingtalk reply response: %w", err)
		}
	}
	if code, ok := data["errcode"].(float64); ok && code != 0 {
		return result, fmt.Errorf("dingtalk reply failed: errcode %v: %v", code, data["errmsg"])
	}
	result.OK = true
	result.Data = data
	e.logger.Debug("reply delivered", slog.String("encoding", result.Encoding), slog.String("text", channel.SummarizeText(text)))
	return result, nil
}
