//go:build linux

package readyq

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMemAvailableKB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	content := "MemTotal:       16384000 kB\nMemFree:         1000000 kB\nMemAvailable:    2048000 kB\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	kb, ok := readMemAvailableKB(path)
	if !ok {
		t.Fatal("expected MemAvailable to be found")
	}
	if kb != 2048000 {
		t.Fatalf("expected 2048000, got %d", kb)
	}
}

func TestReadMemAvailableKBMissingFile(t *testing.T) {
	_, ok := readMemAvailableKB(filepath.Join(t.TempDir(), "does-not-exist"))
	if ok {
		t.Fatal("expected ok=false for missing file")
	}
}
