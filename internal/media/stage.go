package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staged is a downloaded media payload written to a local file for the
// duration of one dispatch. The owner must call Release.
type Staged struct {
	Path        string
	ContentType string
	Size        int64
	ContentHash string
}

// Release deletes the staged file. It is safe on a nil receiver and when the
// file is already gone.
func (s *Staged) Release() error {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// StageOptions controls where and how a payload is staged.
type StageOptions struct {
	Dir         string
	Prefix      string
	ContentType string
	MaxBytes    int64
}

// Stage copies reader into <Dir>/<Prefix><uuid>.<ext>, where ext is derived
// from ContentType. Partial files are removed on failure.
func Stage(reader io.Reader, opts StageOptions) (*Staged, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxStagedBytes
	}
	dir := opts.Dir
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	name := opts.Prefix + uuid.NewString() + "." + ExtensionFromMime(opts.ContentType)
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	keepFile := false
	defer func() {
		_ = file.Close()
		if !keepFile {
			_ = os.Remove(path)
		}
	}()

	hasher := sha256.New()
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(file, hasher), limited)
	if err != nil {
		return nil, fmt.Errorf("copy to staged file: %w", err)
	}
	if written > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrStagedTooLarge, maxBytes)
	}
	if written == 0 {
		return nil, ErrEmptyPayload
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sync staged file: %w", err)
	}
	keepFile = true
	return &Staged{
		Path:        path,
		ContentType: mimeBase(opts.ContentType),
		Size:        written,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// ExtensionFromMime maps a Content-Type to a file extension without the dot.
// Unknown types fall back to a sanitized MIME subtype, then "bin".
func ExtensionFromMime(contentType string) string {
	mime := mimeBase(contentType)
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/amr":
		return "amr"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/quicktime":
		return "mov"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	}
	_, subtype, ok := strings.Cut(mime, "/")
	if !ok {
		return "bin"
	}
	subtype = strings.TrimPrefix(subtype, "x-")
	if subtype == "" || len(subtype) > 8 {
		return "bin"
	}
	for _, r := range subtype {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "bin"
		}
	}
	return subtype
}

func mimeBase(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
