package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"plugbridge/internal/domain"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}
	return sandbox, sandbox.Root()
}

func TestSandboxJoin(t *testing.T) {
	sandbox, root := newTestSandbox(t)

	tests := []struct {
		name  string
		entry string
		want  string
		err   bool
	}{
		{"plain file", "index.js", filepath.Join(root, "index.js"), false},
		{"nested", "lib/util/fmt.js", filepath.Join(root, "lib", "util", "fmt.js"), false},
		{"dot prefix", "./package.json", filepath.Join(root, "package.json"), false},
		{"inner dotdot", "lib/../index.js", filepath.Join(root, "index.js"), false},
		{"parent escape", "../evil.js", "", true},
		{"deep escape", "lib/../../evil.js", "", true},
		{"absolute", "/etc/passwd", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sandbox.Join(tt.entry)
			if tt.err {
				if !errors.Is(err, domain.ErrPathOutsideSandbox) {
					t.Errorf("Join(%q) err = %v, want ErrPathOutsideSandbox", tt.entry, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Join(%q): %v", tt.entry, err)
			}
			if got != tt.want {
				t.Errorf("Join(%q) = %q, want %q", tt.entry, got, tt.want)
			}
		})
	}
}

func TestSandboxValidPath(t *testing.T) {
	sandbox, root := newTestSandbox(t)

	testFile := filepath.Join(root, "index.js")
	if err := os.WriteFile(testFile, []byte("module.exports = {}"), 0644); err != nil {
		t.Fatal(err)
	}

	resolved, err := sandbox.ValidatePath(testFile)
	if err != nil {
		t.Errorf("valid path should pass: %v", err)
	}
	if resolved != testFile {
		t.Errorf("resolved = %q, want %q", resolved, testFile)
	}

	newFile := filepath.Join(root, "not-yet.js")
	if _, err := sandbox.ValidatePath(newFile); err != nil {
		t.Errorf("new file in sandbox should pass: %v", err)
	}
}

func TestSandboxPathTraversal(t *testing.T) {
	sandbox, root := newTestSandbox(t)

	for _, path := range []string{
		filepath.Join(root, "..", "etc", "passwd"),
		"/etc/passwd",
	} {
		_, err := sandbox.ValidatePath(path)
		if !errors.Is(err, domain.ErrPathOutsideSandbox) {
			t.Errorf("path %q: expected ErrPathOutsideSandbox, got %v", path, err)
		}
	}
}

func TestSandboxSymlinkEscape(t *testing.T) {
	sandbox, root := newTestSandbox(t)

	outsideDir := t.TempDir()
	symlink := filepath.Join(root, "node_modules")
	if err := os.Symlink(outsideDir, symlink); err != nil {
		t.Skip("cannot create symlinks")
	}

	// Join is lexical and accepts it; ValidatePath follows the link.
	joined, err := sandbox.Join("node_modules/pkg.js")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	_, err = sandbox.ValidatePath(joined)
	if !errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.Errorf("symlink escape: expected ErrPathOutsideSandbox, got %v", err)
	}
}

func TestNewSandboxNotDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir.txt")
	if err := os.WriteFile(file, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewSandbox(file); err == nil {
		t.Error("expected error for regular file")
	}
	if _, err := NewSandbox(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}
