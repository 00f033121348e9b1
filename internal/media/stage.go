// Package media stages outbound binary payloads (paths, data URIs, URLs, raw bytes)
// into local temp files that channel adapters can upload.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Staged is a local file ready for upload. Cleanup removes it when the stager
// created it; staging an existing local path leaves the file alone.
type Staged struct {
	Path     string
	Mime     string
	Size     int64
	Temp     bool
	cleanups []func()
}

// Cleanup removes temp files created while staging. Safe to call more than once.
func (s *Staged) Cleanup() {
	for _, fn := range s.cleanups {
		fn()
	}
	s.cleanups = nil
}

// Ext returns the file extension, including the dot.
func (s *Staged) Ext() string {
	return strings.ToLower(filepath.Ext(s.Path))
}

// Open opens the staged file for reading.
func (s *Staged) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Stager materializes media sources into temp files under a configured directory.
type Stager struct {
	dir      string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewStager creates a Stager writing under dir (os.TempDir when empty).
func NewStager(log *slog.Logger, dir string, maxBytes int64) *Stager {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	return &Stager{
		dir:      strings.TrimSpace(dir),
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   log.With(slog.String("component", "media_stager")),
	}
}

// WithHTTPClient replaces the download client, for tests.
func (s *Stager) WithHTTPClient(client *http.Client) *Stager {
	if client != nil {
		s.client = client
	}
	return s
}

// Stage resolves ref (a local path, data URI or http(s) URL) into a local file.
// ext is used for temp files when ref carries no better hint, e.g. ".png".
func (s *Stager) Stage(ctx context.Context, ref string, ext string) (*Staged, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("media reference is required")
	case strings.HasPrefix(strings.ToLower(ref), "data:"):
		mimeType, data, err := DecodeDataURI(ref)
		if err != nil {
			return nil, err
		}
		if e := extensionForMime(mimeType); e != "" {
			ext = e
		}
		st, err := s.StageBytes(data, ext)
		if err != nil {
			return nil, err
		}
		st.Mime = mimeType
		return st, nil
	case strings.HasPrefix(strings.ToLower(ref), "http://"), strings.HasPrefix(strings.ToLower(ref), "https://"):
		return s.download(ctx, ref, ext)
	default:
		info, err := os.Stat(ref)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, ref)
			}
			return nil, fmt.Errorf("stat media: %w", err)
		}
		if info.Size() > s.maxBytes {
			return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, s.maxBytes)
		}
		return &Staged{Path: ref, Mime: mime.TypeByExtension(filepath.Ext(ref)), Size: info.Size()}, nil
	}
}

// StageBytes writes data into a new temp file with the given extension.
func (s *Stager) StageBytes(data []byte, ext string) (*Staged, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAsset
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, s.maxBytes)
	}
	return s.spool(bytes.NewReader(data), ext)
}

// StageReader copies r into a new temp file, rejecting payloads over the limit.
func (s *Stager) StageReader(r io.Reader, ext string) (*Staged, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is required")
	}
	return s.spool(r, ext)
}

func (s *Stager) spool(r io.Reader, ext string) (*Staged, error) {
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(s.dir, "chatgate-media-*"+normalizeExt(ext))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	limited := &io.LimitedReader{R: r, N: s.maxBytes + 1}
	written, err := io.Copy(tmp, limited)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("copy to temp file: %w", err)
	}
	if written > s.maxBytes {
		cleanup()
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, s.maxBytes)
	}
	if written == 0 {
		cleanup()
		return nil, ErrEmptyAsset
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &Staged{
		Path:     tmpPath,
		Mime:     mime.TypeByExtension(normalizeExt(ext)),
		Size:     written,
		Temp:     true,
		cleanups: []func(){func() { _ = os.Remove(tmpPath) }},
	}, nil
}

func (s *Stager) download(ctx context.Context, url string, ext string) (*Staged, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, errBody)
		return nil, fmt.Errorf("download media: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody[:n])))
	}
	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if e := extensionForMime(mimeType); e != "" {
		ext = e
	} else if e := filepath.Ext(strings.Split(req.URL.Path, "?")[0]); e != "" {
		ext = e
	}
	st, err := s.spool(resp.Body, ext)
	if err != nil {
		return nil, err
	}
	if mimeType != "" {
		st.Mime = mimeType
	}
	s.logger.Debug("media downloaded", slog.String("path", st.Path), slog.Int64("bytes", st.Size))
	return st, nil
}

// DecodeDataURI parses "data:<mime>;base64,<payload>".
func DecodeDataURI(raw string) (string, []byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(strings.ToLower(raw), "data:") {
		return "", nil, fmt.Errorf("not a data uri")
	}
	header, payload, ok := strings.Cut(raw[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("invalid data uri")
	}
	mimeType := header
	isBase64 := false
	if idx := strings.Index(header, ";"); idx >= 0 {
		mimeType = header[:idx]
		isBase64 = strings.Contains(strings.ToLower(header[idx:]), ";base64")
	}
	if !isBase64 {
		return strings.TrimSpace(mimeType), []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return strings.TrimSpace(mimeType), data, nil
}

// SniffExt guesses a file extension from the leading bytes of data, returning
// fallback when the content type is not recognised.
func SniffExt(data []byte, fallback string) string {
	if len(data) == 0 {
		return fallback
	}
	if e := extensionForMime(http.DetectContentType(data)); e != "" {
		return e
	}
	return fallback
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ToLower(ext)
}

func extensionForMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "audio/ogg", "audio/opus", "application/ogg":
		return ".opus"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	}
	return ""
}
