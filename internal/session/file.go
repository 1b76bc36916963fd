package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

const storeFileName = "sessions.json"

// FileStore keeps one JSON document per agent under dir:
// <dir>/<agent>/sessions.json.
type FileStore struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve session dir: %w", err)
	}
	return &FileStore{dir: abs, now: time.Now}, nil
}

// ResolveStorePath returns the session file for agentID.
func (s *FileStore) ResolveStorePath(agentID string) string {
	return filepath.Join(s.dir, normalizeAgent(agentID), storeFileName)
}

// ReadSessionUpdatedAt returns when sessionKey was last recorded.
func (s *FileStore) ReadSessionUpdatedAt(_ context.Context, storePath, sessionKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(storePath)
	if err != nil {
		return time.Time{}, false, err
	}
	entry, ok := entries[sessionKey]
	if !ok {
		return time.Time{}, false, nil
	}
	return entry.UpdatedAt, true, nil
}

// RecordInboundSession stores the session entry for ictx.
func (s *FileStore) RecordInboundSession(_ context.Context, storePath, sessionKey string, ictx inbound.InboundContext, last *inbound.LastRoute) error {
	if strings.TrimSpace(sessionKey) == "" {
		return fmt.Errorf("session key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(storePath)
	if err != nil {
		return err
	}
	var prev *Entry
	if existing, ok := entries[sessionKey]; ok {
		prev = &existing
	}
	entries[sessionKey] = newEntry(sessionKey, ictx, last, prev, s.now())
	return s.save(storePath, entries)
}

func (s *FileStore) load(storePath string) (map[string]Entry, error) {
	data, err := os.ReadFile(storePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	entries := map[string]Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode session store %s: %w", storePath, err)
	}
	return entries, nil
}

// save writes through a temp file and rename so readers never see a partial document.
func (s *FileStore) save(storePath string, entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(storePath), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close session store: %w", err)
	}
	if err := os.Rename(tmpName, storePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
