package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arung-agamani/mediabot/internal/media"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveCache("https://tiktok.com/@u/video/1", []string{"vid-1"}, media.Video, 42)
	if err != nil {
		t.Fatalf("SaveCache: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero row id")
	}

	ids, kind, err := s.GetCache("https://tiktok.com/@u/video/1")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if len(ids) != 1 || ids[0] != "vid-1" {
		t.Errorf("GetCache ids = %v, want [vid-1]", ids)
	}
	if kind != media.Video {
		t.Errorf("GetCache kind = %v, want video", kind)
	}

	byID, kindByID, err := s.GetCacheByID(id)
	if err != nil {
		t.Fatalf("GetCacheByID: %v", err)
	}
	if len(byID) != 1 || byID[0] != "vid-1" || kindByID != media.Video {
		t.Errorf("GetCacheByID = %v/%v, want [vid-1]/video", byID, kindByID)
	}
}

func TestSaveCacheCoercesCarousel(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveCache("https://instagram.com/p/ABC", []string{"p1", "p2", "p3"}, media.Photo, 1)
	if err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	ids, kind, err := s.GetCache("https://instagram.com/p/ABC")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if kind != media.Carousel {
		t.Errorf("kind = %v, want carousel even though individual items are photos", kind)
	}
	if len(ids) != 3 {
		t.Errorf("len(ids) = %d, want 3", len(ids))
	}
}

func TestSaveCacheUpsertConverges(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.SaveCache("https://youtube.com/watch?v=xyz", []string{"vid-1"}, media.Video, 1)
	if err != nil {
		t.Fatalf("first SaveCache: %v", err)
	}
	id2, err := s.SaveCache("https://youtube.com/watch?v=xyz", []string{"vid-1-better"}, media.Video, 2)
	if err != nil {
		t.Fatalf("second SaveCache: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected upsert to reuse row id, got %d and %d", id1, id2)
	}

	ids, _, err := s.GetCache("https://youtube.com/watch?v=xyz")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if len(ids) != 1 || ids[0] != "vid-1-better" {
		t.Errorf("expected upsert to replace ids, got %v", ids)
	}
}

func TestCacheIDOfNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CacheIDOf("https://tiktok.com/@u/video/404"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTranscriptionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveTranscription("uid-1", 7, "hello world"); err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}

	text, err := s.GetTranscription("uid-1")
	if err != nil {
		t.Fatalf("GetTranscription: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}

	all, err := s.GetUserTranscriptions(7)
	if err != nil {
		t.Fatalf("GetUserTranscriptions: %v", err)
	}
	if all["uid-1"] != "hello world" {
		t.Errorf("GetUserTranscriptions missing uid-1: %v", all)
	}
}

func TestDownloadedFileLifecycle(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := s.SaveDownloadedFile(DownloadedFile{
		URL:      "https://youtube.com/watch?v=abc",
		FilePath: path,
		Size:     4,
		FileType: "mp4",
		MediaKind: media.Video,
		TaskDir:  dir,
	}, time.Hour)
	if err != nil {
		t.Fatalf("SaveDownloadedFile: %v", err)
	}

	got, err := s.GetDownloadedFile("https://youtube.com/watch?v=abc")
	if err != nil {
		t.Fatalf("GetDownloadedFile: %v", err)
	}
	if got.FilePath != path {
		t.Errorf("FilePath = %q, want %q", got.FilePath, path)
	}
}

func TestGetDownloadedFileRemovesRowWhenFileMissing(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := s.SaveDownloadedFile(DownloadedFile{
		URL:      "https://youtube.com/watch?v=missing",
		FilePath: path,
		Size:     4,
		FileType: "mp4",
		MediaKind: media.Video,
		TaskDir:  dir,
	}, time.Hour)
	if err != nil {
		t.Fatalf("SaveDownloadedFile: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := s.GetDownloadedFile("https://youtube.com/watch?v=missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after file removed, got %v", err)
	}

	if _, err := s.GetDownloadedFile("https://youtube.com/watch?v=missing"); err != ErrNotFound {
		t.Errorf("expected row to stay deleted, got %v", err)
	}
}

func TestCleanupExpiredFiles(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "expiring.mp4")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := s.SaveDownloadedFile(DownloadedFile{
		URL:      "https://youtube.com/watch?v=expiring",
		FilePath: path,
		Size:     4,
		FileType: "mp4",
		MediaKind: media.Video,
		TaskDir:  dir,
	}, -time.Hour) // already expired
	if err != nil {
		t.Fatalf("SaveDownloadedFile: %v", err)
	}

	n, err := s.CleanupExpiredFiles()
	if err != nil {
		t.Fatalf("CleanupExpiredFiles: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned up %d rows, want 1", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected backing file to be removed")
	}
}
