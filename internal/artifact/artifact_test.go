package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestResolveBeforeAndAfterWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := "3f1c9a4e-1111-4222-8333-944455556666"

	if _, err := s.Resolve(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found before write, got %v", err)
	}

	touch(t, filepath.Join(dir, "result_"+id+".txt"))
	got, err := s.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(got) != "result_"+id+".txt" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestResolveMissingDirIsNotFound(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent"))
	if _, err := s.Resolve("abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Resolve("  "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for blank id, got %v", err)
	}
}

func TestResolveSkipsTempFilesAndDirs(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := "abc123"
	touch(t, filepath.Join(dir, ".tmp-"+id))
	if err := os.Mkdir(filepath.Join(dir, "extracted_"+id), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := s.Resolve(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected temp files and dirs to be skipped, got %v", err)
	}
}

func TestMultiFileFirstMatchAndList(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	id := "task42"
	touch(t, s.IndexedPath("video", id, 2, "mp4"))
	touch(t, s.IndexedPath("video", id, 1, "mp4"))
	touch(t, filepath.Join(dir, "other_task99.mp4"))

	got, err := s.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(got) != "video_task42_1.mp4" {
		t.Fatalf("expected lexical first match, got %s", got)
	}

	list, err := s.List(id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "video_task42_1.mp4" || list[1].Name != "video_task42_2.mp4" {
		t.Fatalf("unexpected listing: %+v", list)
	}
	if _, err := s.List("nothing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found listing, got %v", err)
	}
}

func TestResolveName(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	touch(t, s.Path("hash", "t1", ".json"))

	if _, err := s.ResolveName("t1", "hash_t1.json"); err != nil {
		t.Fatalf("resolve name: %v", err)
	}
	if _, err := s.ResolveName("t1", "../hash_t1.json"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected invalid name, got %v", err)
	}
	if _, err := s.ResolveName("t2", "hash_t1.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign artifact, got %v", err)
	}
}

func TestPathHelpers(t *testing.T) {
	s := NewStore("out")
	if got := s.Path("qr_code", "id", "png"); got != filepath.Join("out", "qr_code_id.png") {
		t.Fatalf("unexpected path %s", got)
	}
	if got := s.IndexedPath("page", "id", 3, ".jpg"); got != filepath.Join("out", "page_id_3.jpg") {
		t.Fatalf("unexpected indexed path %s", got)
	}
}
