package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	t.Run("creates directory structure", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")

		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		if _, err := os.Stat(filepath.Join(root, "content")); err != nil {
			t.Errorf("content directory not created: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "metadata")); err != nil {
			t.Errorf("metadata directory not created: %v", err)
		}
		if v.name != "test" {
			t.Errorf("name = %q, want %q", v.name, "test")
		}
	})

	t.Run("works with existing directory", func(t *testing.T) {
		if _, err := NewFileSystemVault("test", t.TempDir()); err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
	})
}

func TestFileSystemVault_ContentFanOut(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutContent("abcdef", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "content", "ab", "abcdef")); err != nil {
		t.Errorf("content not stored under fan-out directory: %v", err)
	}

	// No temp files left behind after a failed write.
	if err := v.PutContent("abc999", strings.NewReader("data"), 40); err == nil {
		t.Fatal("PutContent() with wrong size = nil, want error")
	}
	entries, err := os.ReadDir(filepath.Join(root, "content", "ab"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("content/ab has %d entries, want 1", len(entries))
	}
}

func TestFileSystemVault_RejectsEscapingNames(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	for _, name := range []string{"../outside", "/abs", "a/../../b", ""} {
		if err := v.PutMetadata(name, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutMetadata(%q) = nil, want error", name)
		}
	}
	for _, checksum := range []string{"../x", "ab/cd", "a"} {
		if err := v.PutContent(checksum, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutContent(%q) = nil, want error", checksum)
		}
	}
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	root := t.TempDir()
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "metadata")); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if err := v.ValidateSetup(); err == nil {
		t.Error("ValidateSetup() with missing metadata dir = nil, want error")
	}
}
