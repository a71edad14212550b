package extension

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cobaltforge/agentcore/internal/logging"
)

func TestBuildEmptyUserYieldsValidEmptyArchive(t *testing.T) {
	root := t.TempDir()
	s := New(root, logging.New(false))

	r, err := s.Build("42")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tr := tar.NewReader(r)
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("expected empty archive, got entry or error %v", err)
	}
}

func TestBuildPackagesDirectoriesAndSetsHooksExecutable(t *testing.T) {
	root := t.TempDir()
	userRoot := filepath.Join(root, "user_42")

	mustWriteFile(t, filepath.Join(userRoot, "skills", "a.md"), "skill content")
	mustWriteFile(t, filepath.Join(userRoot, "hooks", "pre-commit.sh"), "#!/bin/sh\necho hi")
	mustWriteFile(t, filepath.Join(userRoot, "settings.json"), `{"k":"v"}`)

	s := New(root, logging.New(false))
	r, err := s.Build("42")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tr := tar.NewReader(r)
	seen := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read error: %v", err)
		}
		seen[hdr.Name] = hdr
	}

	if _, ok := seen["skills/a.md"]; !ok {
		t.Error("expected skills/a.md in archive")
	}
	hookHdr, ok := seen["hooks/pre-commit.sh"]
	if !ok {
		t.Fatal("expected hooks/pre-commit.sh in archive")
	}
	if hookHdr.Mode&0o111 == 0 {
		t.Errorf("expected hooks entry to be executable, mode = %o", hookHdr.Mode)
	}
	if _, ok := seen["settings.json"]; !ok {
		t.Error("expected settings.json in archive")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
