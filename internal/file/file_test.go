package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureDirRejectsEmpty(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	nested := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDir(nested); err != nil {
		t.Fatalf("ensure nested: %v", err)
	}
	if st, err := os.Stat(nested); err != nil || !st.IsDir() {
		t.Fatalf("expected dir to exist: %v", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out", "hash_x.json")
	if err := WriteJSONAtomic(dest, map[string]string{"hash_type": "MD5"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["hash_type"] != "MD5" {
		t.Fatalf("unexpected content: %s", b)
	}

	entries, _ := os.ReadDir(filepath.Dir(dest))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCopyAtomicOverwrites(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "upload_x.txt")
	if _, err := CopyAtomic(dest, strings.NewReader("first")); err != nil {
		t.Fatalf("copy: %v", err)
	}
	n, err := CopyAtomic(dest, strings.NewReader("second!"))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 bytes written, got %d", n)
	}
	b, _ := os.ReadFile(dest)
	if string(b) != "second!" {
		t.Fatalf("unexpected content %q", b)
	}
}
