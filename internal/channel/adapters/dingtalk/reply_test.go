package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

func boolPtr(v bool) *bool { return &v }

func TestUseMarkdown(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		text  string
		force *bool
		want  bool
	}{
		{name: "plain", text: "hello there", want: false},
		{name: "negative number", text: "-5 degrees outside", want: false},
		{name: "decimal", text: "3.14 is pi", want: false},
		{name: "heading", text: "# Title", want: true},
		{name: "bullet", text: "- item", want: true},
		{name: "ordered", text: "1. step one", want: true},
		{name: "quote", text: "> quoted", want: true},
		{name: "bold", text: "this is **bold**", want: true},
		{name: "code", text: "run `make`", want: true},
		{name: "italic star", text: "this is *italic* text", want: true},
		{name: "italic underscore", text: "_x_", want: true},
		{name: "snake case", text: "set snake_case_name now", want: false},
		{name: "arithmetic", text: "2*3*4 equals 24", want: false},
		{name: "spaced multiply", text: "a * b * c", want: false},
		{name: "link", text: "see [docs](https://example.com)", want: true},
		{name: "multiline", text: "line one\nline two", want: true},
		{name: "forced plain", text: "# Title", force: boolPtr(false), want: false},
		{name: "forced rich", text: "hello", force: boolPtr(true), want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := UseMarkdown(tc.text, tc.force); got != tc.want {
				t.Fatalf("UseMarkdown(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestReplyTitle(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"## Summary\nbody":       "Summary",
		"- first item\n- second": "first item",
		"> quoted line":          "quoted line",
		"2. second step":         "second step",
		"":                       defaultReplyTitle,
		"   \n":                  defaultReplyTitle,
		strings.Repeat("长", 25): strings.Repeat("长", 20),
	}
	for in, want := range cases {
		if got := ReplyTitle(in); got != want {
			t.Fatalf("ReplyTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildReplyPayload(t *testing.T) {
	t.Parallel()

	plain := BuildReplyPayload("hi", SendOptions{})
	if plain.MsgType != encodingText || plain.Text == nil || plain.Text.Content != "hi" {
		t.Fatalf("unexpected plain payload: %+v", plain)
	}
	if plain.At != nil || plain.Markdown != nil {
		t.Fatalf("plain payload without mention should carry only text: %+v", plain)
	}

	mentioned := BuildReplyPayload("hi", SendOptions{AtUserID: "staff-1"})
	if mentioned.At == nil || len(mentioned.At.AtUserIDs) != 1 || mentioned.At.AtUserIDs[0] != "staff-1" {
		t.Fatalf("expected at block, got %+v", mentioned.At)
	}
	if mentioned.Text.Content != "hi" {
		t.Fatalf("text body must not be altered: %q", mentioned.Text.Content)
	}

	rich := BuildReplyPayload("# Done\nall good", SendOptions{AtUserID: "staff-1"})
	if rich.MsgType != encodingMarkdown || rich.Markdown == nil {
		t.Fatalf("expected markdown payload: %+v", rich)
	}
	if rich.Markdown.Title != "Done" {
		t.Fatalf("unexpected title: %q", rich.Markdown.Title)
	}
	if rich.Markdown.Text != "# Done\nall good @staff-1" {
		t.Fatalf("unexpected markdown body: %q", rich.Markdown.Text)
	}
	if rich.At == nil || rich.At.IsAtAll {
		t.Fatalf("unexpected at block: %+v", rich.At)
	}
}

type webhookRecorder struct {
	server  *httptest.Server
	calls   atomic.Int32
	status  int
	body    string
	gotAuth string
	got     map[string]any
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{status: http.StatusOK, body: `{"errcode":0,"errmsg":"ok"}`}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.calls.Add(1)
		rec.gotAuth = r.Header.Get(accessTokenHeader)
		rec.got = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&rec.got)
		w.WriteHeader(rec.status)
		_, _ = w.Write([]byte(rec.body))
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func TestReplyEncoderSendText(t *testing.T) {
	t.Parallel()

	rec := newWebhookRecorder(t)
	enc := NewReplyEncoder(discardLogger(), staticTokens{token: "tok-1"}, rec.server.Client())
	target := channel.ReplyTarget{URL: rec.server.URL, ExpiresAt: time.Now().Add(time.Hour)}

	result, err := enc.Send(context.Background(), Credentials{ClientID: "c"}, target, "hello", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.OK || result.Encoding != encodingText {
		t.Fatalf("unexpected result: %+v", result)
	}
	if rec.gotAuth != "tok-1" {
		t.Fatalf("expected access token header, got %q", rec.gotAuth)
	}
	if rec.got["msgtype"] != "text" {
		t.Fatalf("unexpected msgtype: %v", rec.got["msgtype"])
	}
	text, _ := rec.got["text"].(map[string]any)
	if text["content"] != "hello" {
		t.Fatalf("unexpected content: %v", rec.got["text"])
	}
}

func TestReplyEncoderSendMarkdownWithMention(t *testing.T) {
	t.Parallel()

	rec := newWebhookRecorder(t)
	enc := NewReplyEncoder(discardLogger(), staticTokens{token: "tok"}, rec.server.Client())

	result, err := enc.Send(context.Background(), Credentials{ClientID: "c"}, channel.ReplyTarget{URL: rec.server.URL}, "**done**", SendOptions{AtUserID: "u1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Encoding != encodingMarkdown {
		t.Fatalf("expected markdown, got %q", result.Encoding)
	}
	md, _ := rec.got["markdown"].(map[string]any)
	if md["text"] != "**done** @u1" || md["title"] != "done" {
		t.Fatalf("unexpected markdown block: %v", md)
	}
	at, _ := rec.got["at"].(map[string]any)
	ids, _ := at["atUserIds"].([]any)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("unexpected at block: %v", at)
	}
}

func TestReplyEncoderSendFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `oops`},
		{name: "platform errcode", status: http.StatusOK, body: `{"errcode":310000,"errmsg":"keywords not in content"}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := newWebhookRecorder(t)
			rec.status = tc.status
			rec.body = tc.body
			enc := NewReplyEncoder(discardLogger(), staticTokens{token: "tok"}, rec.server.Client())
			result, err := enc.Send(context.Background(), Credentials{ClientID: "c"}, channel.ReplyTarget{URL: rec.server.URL}, "hi", SendOptions{})
			if err == nil {
				t.Fatalf("expected error")
			}
			if result.OK {
				t.Fatalf("failed send must not report OK")
			}
		})
	}
}

func TestReplyEncoderExpiredTargetSkipsNetwork(t *testing.T) {
	t.Parallel()

	rec := newWebhookRecorder(t)
	enc := NewReplyEncoder(discardLogger(), staticTokens{token: "tok"}, rec.server.Client())
	target := channel.ReplyTarget{URL: rec.server.URL, ExpiresAt: time.Now().Add(-time.Minute)}

	if _, err := enc.Send(context.Background(), Credentials{ClientID: "c"}, target, "hi", SendOptions{}); err == nil {
		t.Fatalf("expected expired target error")
	}
	if n := rec.calls.Load(); n != 0 {
		t.Fatalf("expired target must not be called, got %d calls", n)
	}
}

func TestReplyEncoderTokenFailure(t *testing.T) {
	t.Parallel()

	rec := newWebhookRecorder(t)
	enc := NewReplyEncoder(discardLogger(), staticTokens{err: errors.New("denied")}, rec.server.Client())

	if _, err := enc.Send(context.Background(), Credentials{ClientID: "c"}, channel.ReplyTarget{URL: rec.server.URL}, "hi", SendOptions{}); err == nil {
		t.Fatalf("expected token error")
	}
	if n := rec.calls.Load(); n != 0 {
		t.Fatalf("reply must not be posted without a token, got %d calls", n)
	}
}

func TestReplyEncoderInvalidatesRejectedToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status      int
		invalidated bool
	}{
		{status: http.StatusUnauthorized, invalidated: true},
		{status: http.StatusForbidden, invalidated: true},
		{status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			rec := newWebhookRecorder(t)
			rec.status = tc.status
			rec.body = `{"code":"InvalidAuthentication"}`
			var invalidated []string
			enc := NewReplyEncoder(discardLogger(), staticTokens{token: "stale", invalidated: &invalidated}, rec.server.Client())
			if _, err := enc.Send(context.Background(), Credentials{ClientID: "app"}, channel.ReplyTarget{URL: rec.server.URL}, "hi", SendOptions{}); err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if tc.invalidated && (len(invalidated) != 1 || invalidated[0] != "app") {
				t.Fatalf("expected token for app to be invalidated, got %v", invalidated)
			}
			if !tc.invalidated && len(invalidated) != 0 {
				t.Fatalf("unexpected invalidation %v", invalidated)
			}
		})
	}
}

func TestReplyEncoderRefreshesTokenAfterRejection(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, 7200)
	rec := newWebhookRecorder(t)
	enc := NewReplyEncoder(discardLogger(), NewTokenCache(discardLogger(), ts.server.Client()), rec.server.Client())
	creds := ts.creds("app")
	target := channel.ReplyTarget{URL: rec.server.URL}

	rec.status = http.StatusUnauthorized
	if _, err := enc.Send(context.Background(), creds, target, "hi", SendOptions{}); err == nil {
		t.Fatalf("expected rejected send to fail")
	}
	if rec.gotAuth != "tok-app-1" {
		t.Fatalf("unexpected first token %q", rec.gotAuth)
	}

	rec.status = http.StatusOK
	rec.body = `{"errcode":0}`
	if _, err := enc.Send(context.Background(), creds, target, "hi", SendOptions{}); err != nil {
		t.Fatalf("send after refresh: %v", err)
	}
	if rec.gotAuth != "tok-app-2" {
		t.Fatalf("expected a freshly exchanged token, got %q", rec.gotAuth)
	}
	if n := ts.calls.Load(); n != 2 {
		t.Fatalf("expected 2 exchanges, got %d", n)
	}
}
