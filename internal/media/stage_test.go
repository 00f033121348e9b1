package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestStageDataURI(t *testing.T) {
	t.Parallel()

	s := NewStager(nil, t.TempDir(), 1024)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	st, err := s.Stage(context.Background(), uri, "")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if st.Ext() != ".png" || st.Mime != "image/png" || !st.Temp {
		t.Fatalf("unexpected staged file: %+v", st)
	}
	data, err := os.ReadFile(st.Path)
	if err != nil || string(data) != "png" {
		t.Fatalf("read staged: %q %v", data, err)
	}
	st.Cleanup()
	if _, err := os.Stat(st.Path); !os.IsNotExist(err) {
		t.Fatalf("temp file must be removed, stat err = %v", err)
	}
}

func TestStageLocalPathIsNotRemoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "voice.opus")
	if err := os.WriteFile(path, []byte("opus"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStager(nil, dir, 1024)
	st, err := s.Stage(context.Background(), path, "")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	st.Cleanup()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("caller-owned file removed: %v", err)
	}
}

func TestStageMissingPath(t *testing.T) {
	t.Parallel()

	s := NewStager(nil, t.TempDir(), 1024)
	_, err := s.Stage(context.Background(), filepath.Join(t.TempDir(), "nope.png"), "")
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestStageURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	s := NewStager(nil, t.TempDir(), 1024).WithHTTPClient(srv.Client())
	st, err := s.Stage(context.Background(), srv.URL+"/clip", "")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	defer st.Cleanup()
	if st.Ext() != ".mp4" || st.Size != int64(len("mp4-bytes")) {
		t.Fatalf("unexpected staged file: %+v", st)
	}

	if _, err := s.Stage(context.Background(), srv.URL+"/missing", ".png"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestStageRejectsOversize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStager(nil, dir, 4)
	if _, err := s.StageBytes([]byte("0123456789"), ".bin"); !errors.Is(err, ErrAssetTooLarge) {
		t.Fatalf("expected ErrAssetTooLarge, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("no temp file may survive a failed stage, found %d", len(entries))
	}
}

func TestDecodeDataURI(t *testing.T) {
	t.Parallel()

	mimeType, data, err := DecodeDataURI("data:text/plain,hello")
	if err != nil || mimeType != "text/plain" || string(data) != "hello" {
		t.Fatalf("got %q %q %v", mimeType, data, err)
	}
	if _, _, err := DecodeDataURI("data:image/png;base64,!!!"); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, _, err := DecodeDataURI("https://x"); err == nil {
		t.Fatal("expected error for non data uri")
	}
}

func TestSniffExt(t *testing.T) {
	t.Parallel()

	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 16)...)
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{name: "wav", data: wav, want: ".wav"},
		{name: "ogg", data: []byte("OggS\x00\x02\x00\x00OpusHead"), want: ".opus"},
		{name: "mp3", data: []byte("ID3\x04\x00\x00\x00\x00"), want: ".mp3"},
		{name: "unknown", data: []byte("opus"), want: ".bin"},
		{name: "empty", data: nil, want: ".bin"},
	}
	for _, tc := range cases {
		if got := SniffExt(tc.data, ".bin"); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
