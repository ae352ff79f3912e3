package retention

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediatoolkit/internal/schedule"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected %s to be removed, stat err=%v", path, err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	uploads, outputs := t.TempDir(), t.TempDir()
	writeAged(t, filepath.Join(uploads, "old_in.mp4"), 3*time.Hour)
	writeAged(t, filepath.Join(uploads, "new_in.mp4"), 10*time.Minute)
	writeAged(t, filepath.Join(outputs, "video_old.mp4"), 5*time.Hour)

	extracted := filepath.Join(outputs, "extracted_old")
	if err := os.Mkdir(extracted, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(extracted, "a.txt"), 5*time.Hour)
	stamp := time.Now().Add(-5 * time.Hour)
	if err := os.Chtimes(extracted, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s := NewSweeper(uploads, outputs, filepath.Join(t.TempDir(), "missing"))
	res := s.Sweep(2 * time.Hour)

	if res.Removed != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Freed != int64(len("payload")*3) {
		t.Fatalf("unexpected freed bytes %d", res.Freed)
	}

	assertGone(t, filepath.Join(uploads, "old_in.mp4"))
	assertGone(t, filepath.Join(outputs, "video_old.mp4"))
	assertGone(t, extracted)
	if _, err := os.Stat(filepath.Join(uploads, "new_in.mp4")); err != nil {
		t.Fatalf("fresh upload must survive: %v", err)
	}
}

func TestSweepZeroAgeRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, filepath.Join(dir, "fresh.txt"), 0)
	writeAged(t, filepath.Join(dir, "older.txt"), time.Minute)

	s := NewSweeper(dir)
	s.now = func() time.Time { return time.Now().Add(time.Second) }
	res := s.Sweep(0)

	if res.Removed != 2 {
		t.Fatalf("expected 2 removed, got %+v", res)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	locked := t.TempDir()
	open := t.TempDir()
	writeAged(t, filepath.Join(locked, "stuck.txt"), 3*time.Hour)
	writeAged(t, filepath.Join(open, "gone.txt"), 3*time.Hour)
	if err := os.Chmod(locked, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o750) })

	res := NewSweeper(locked, open).Sweep(time.Hour)
	if res.Failed != 1 || res.Removed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	assertGone(t, filepath.Join(open, "gone.txt"))
}

func TestRegisterRejectsSubSecondInterval(t *testing.T) {
	s := NewSweeper(t.TempDir())
	if err := s.Register(schedule.New(), time.Millisecond, time.Hour); err == nil {
		t.Fatalf("expected error for sub-second interval")
	}
	if err := s.Register(schedule.New(), time.Hour, 2*time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
}
