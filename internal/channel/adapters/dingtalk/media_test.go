package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type staticTokens struct {
	token       string
	err         error
	invalidated *[]string
}

func (s staticTokens) Token(ctx context.Context, creds Credentials) (string, error) {
	return s.token, s.err
}

func (s staticTokens) Invalidate(clientID string) {
	if s.invalidated != nil {
		*s.invalidated = append(*s.invalidated, clientID)
	}
}

type mediaServer struct {
	server       *httptest.Server
	gotCode      string
	gotRobot     string
	gotToken     string
	downloadStat int
	resolveStat  int
	contentType  string
	payload      string
	emptyURL     bool
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	ms := &mediaServer{downloadStat: http.StatusOK, contentType: "image/jpeg", payload: "jpeg-bytes"}
	mux := http.NewServeMux()
	mux.HandleFunc(mediaDownloadPath, func(w http.ResponseWriter, r *http.Request) {
		var req downloadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		ms.gotCode = req.DownloadCode
		ms.gotRobot = req.RobotCode
		ms.gotToken = r.Header.Get(accessTokenHeader)
		if ms.resolveStat != 0 {
			w.WriteHeader(ms.resolveStat)
			_, _ = w.Write([]byte(`{"code":"InvalidAuthentication"}`))
			return
		}
		url := ms.server.URL + "/files/blob"
		if ms.emptyURL {
			url = ""
		}
		_ = json.NewEncoder(w).Encode(downloadResponse{DownloadURL: url})
	})
	mux.HandleFunc("/files/blob", func(w http.ResponseWriter, r *http.Request) {
		if ms.downloadStat != http.StatusOK {
			w.WriteHeader(ms.downloadStat)
			return
		}
		w.Header().Set("Content-Type", ms.contentType)
		_, _ = w.Write([]byte(ms.payload))
	})
	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

func TestMediaRetrieverStagesFile(t *testing.T) {
	t.Parallel()

	ms := newMediaServer(t)
	dir := t.TempDir()
	r := NewMediaRetriever(discardLogger(), staticTokens{token: "tok"}, ms.server.Client(), dir, 0)

	staged := r.Retrieve(context.Background(), Credentials{ClientID: "app", ClientSecret: "s", RobotCode: "robot", APIBaseURL: ms.server.URL}, "dc-1")
	if staged == nil {
		t.Fatalf("expected staged media")
	}
	defer staged.Release()

	if ms.gotCode != "dc-1" || ms.gotRobot != "robot" || ms.gotToken != "tok" {
		t.Fatalf("unexpected download request: code=%s robot=%s token=%s", ms.gotCode, ms.gotRobot, ms.gotToken)
	}
	name := filepath.Base(staged.Path)
	if !strings.HasPrefix(name, "dingtalk_") || !strings.HasSuffix(name, ".jpg") {
		t.Fatalf("unexpected staged name %s", name)
	}
	if filepath.Dir(staged.Path) != dir {
		t.Fatalf("expected file in %s, got %s", dir, staged.Path)
	}
	data, err := os.ReadFile(staged.Path)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected staged contents %q %v", data, err)
	}
	if staged.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type %s", staged.ContentType)
	}
}

func TestMediaRetrieverUnknownTypeUsesBin(t *testing.T) {
	t.Parallel()

	ms := newMediaServer(t)
	ms.contentType = "application/octet-stream"
	r := NewMediaRetriever(discardLogger(), staticTokens{token: "tok"}, ms.server.Client(), t.TempDir(), 0)
	staged := r.Retrieve(context.Background(), Credentials{ClientID: "app", ClientSecret: "s", APIBaseURL: ms.server.URL}, "dc-1")
	if staged == nil {
		t.Fatalf("expected staged media")
	}
	defer staged.Release()
	if !strings.HasSuffix(staged.Path, ".bin") {
		t.Fatalf("expected .bin extension, got %s", staged.Path)
	}
	if ms.gotRobot != "app" {
		t.Fatalf("robot code should fall back to client id, got %s", ms.gotRobot)
	}
}

func TestMediaRetrieverSoftFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		tokens staticTokens
		setup  func(ms *mediaServer)
	}{
		{name: "token failure", tokens: staticTokens{err: errors.New("exchange failed")}},
		{name: "download 404", tokens: staticTokens{token: "tok"}, setup: func(ms *mediaServer) { ms.downloadStat = http.StatusNotFound }},
		{name: "empty download url", tokens: staticTokens{token: "tok"}, setup: func(ms *mediaServer) { ms.emptyURL = true }},
		{name: "empty payload", tokens: staticTokens{token: "tok"}, setup: func(ms *mediaServer) { ms.payload = "" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ms := newMediaServer(t)
			if tc.setup != nil {
				tc.setup(ms)
			}
			dir := t.TempDir()
			r := NewMediaRetriever(discardLogger(), tc.tokens, ms.server.Client(), dir, 0)
			if staged := r.Retrieve(context.Background(), Credentials{ClientID: "app", ClientSecret: "s", APIBaseURL: ms.server.URL}, "dc-1"); staged != nil {
				t.Fatalf("expected nil on failure, got %+v", staged)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Fatalf("expected no leftover files, found %d", len(entries))
			}
		})
	}
}

func TestMediaRetrieverEmptyCode(t *testing.T) {
	t.Parallel()

	r := NewMediaRetriever(discardLogger(), staticTokens{token: "tok"}, nil, t.TempDir(), 0)
	if r.Retrieve(context.Background(), Credentials{}, "  ") != nil {
		t.Fatalf("expected nil for empty download code")
	}
}

func TestMediaRetrieverInvalidatesRejectedToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status      int
		invalidated bool
	}{
		{status: http.StatusUnauthorized, invalidated: true},
		{status: http.StatusForbidden, invalidated: true},
		{status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			ms := newMediaServer(t)
			ms.resolveStat = tc.status
			var invalidated []string
			r := NewMediaRetriever(discardLogger(), staticTokens{token: "stale", invalidated: &invalidated}, ms.server.Client(), t.TempDir(), 0)
			if staged := r.Retrieve(context.Background(), Credentials{ClientID: "app", ClientSecret: "s", APIBaseURL: ms.server.URL}, "dc-1"); staged != nil {
				t.Fatalf("expected nil on rejected exchange")
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
