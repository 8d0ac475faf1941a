package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// smallWriter returns a writer that rotates after roughly limit bytes.
func smallWriter(t *testing.T, path string, limit int64, backups int, compress bool) *RotatingWriter {
	t.Helper()
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: backups, Compress: compress})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	rw.maxBytes = limit
	t.Cleanup(func() { _ = rw.Close() })
	return rw
}

func TestRotatingWriter_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "debug.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rw := smallWriter(t, path, 1<<20, 1, false)
	if rw.Size() != int64(len("first\n")) {
		t.Errorf("Size() = %d, want %d", rw.Size(), len("first\n"))
	}
	if _, err := rw.Write([]byte("second\n")); err != nil {
		t.Fatal(err)
	}
	_ = rw.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "first\nsecond\n" {
		t.Errorf("content = %q", data)
	}
}

func TestRotatingWriter_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	rw := smallWriter(t, path, 10, 2, false)

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	_ = rw.Close()

	want := map[string]string{
		path:        "dddddddd\n",
		path + ".1": "cccccccc\n",
		path + ".2": "bbbbbbbb\n",
	}
	for p, content := range want {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if string(data) != content {
			t.Errorf("%s = %q, want %q", filepath.Base(p), data, content)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Error("backup beyond MaxBackups should not exist")
	}
}

func TestRotatingWriter_Compress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	rw := smallWriter(t, path, 10, 1, true)

	_, _ = rw.Write([]byte("aaaaaaaa\n"))
	_, _ = rw.Write([]byte("bbbbbbbb\n"))
	_ = rw.Close()

	f, err := os.Open(path + ".1.gz")
	if err != nil {
		t.Fatalf("compressed backup missing: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(zr)
	if !strings.Contains(string(data), "aaaaaaaa") {
		t.Errorf("compressed content = %q", data)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed after compression")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw := smallWriter(t, filepath.Join(t.TempDir(), "debug.log"), 100, 1, false)
	_ = rw.Close()
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
	if err := rw.Close(); err != nil {
		t.Errorf("double Close() = %v", err)
	}
}

func TestNewLoggerWithRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLoggerWithRotation(dir, LevelInfo, DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewLoggerWithRotation failed: %v", err)
	}
	logger.Info("hello")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log content = %q", data)
	}
}
