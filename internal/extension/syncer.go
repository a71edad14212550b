// Package extension implements the Extension Syncer (C7): it packages a
// user's skills/agents/commands/hooks/knowledge directories into a tar
// stream and hands it to the container pool to copy into a freshly
// created container's configuration root.
package extension

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cobaltforge/agentcore/internal/logging"
)

// sourceDirs is the fixed set of directory names copied from a user's
// configuration root into the container's .claude directory. hooks/*
// entries receive the executable bit regardless of their source mode.
var sourceDirs = []string{"skills", "agents", "commands", "hooks", "knowledge"}

// configFiles is the fixed set of top-level files copied alongside the
// directories, when present.
var configFiles = []string{"settings.json"}

// Manifest describes what a Build call packaged, for logging and tests.
type Manifest struct {
	Directories []string
	Files       []string
}

// Syncer builds extension bundles from a host-side per-user configuration
// root (<ExtensionSourceDir>/user_<id>/).
type Syncer struct {
	rootDir string
	log     *logging.Logger
}

// New creates a Syncer rooted at rootDir, the directory under which each
// user's extension source tree lives (rootDir/user_<id>/...).
func New(rootDir string, log *logging.Logger) *Syncer {
	return &Syncer{rootDir: rootDir, log: log.Component("extension")}
}

// Build walks the fixed directory set for userID and returns a tar stream
// ready for Docker Gateway CopyInto. A user with no extension source
// directory at all yields an empty (but valid) tar archive rather than an
// error -- the container is usable without extensions, per spec.
func (s *Syncer) Build(userID string) (io.Reader, error) {
	userRoot := filepath.Join(s.rootDir, "user_"+userID)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var manifest Manifest
	for _, dir := range sourceDirs {
		src := filepath.Join(userRoot, dir)
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", src, err)
		}
		if !info.IsDir() {
			continue
		}
		if err := addDir(tw, src, dir, dir == "hooks"); err != nil {
			return nil, fmt.Errorf("add dir %s: %w", dir, err)
		}
		manifest.Directories = append(manifest.Directories, dir)
	}

	for _, name := range configFiles {
		src := filepath.Join(userRoot, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		if err := addFile(tw, name, data, 0o644); err != nil {
			return nil, fmt.Errorf("add file %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, name)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	s.log.Debug("built extension bundle", "user_id", userID, "directories", manifest.Directories, "files", manifest.Files)
	return &buf, nil
}

// addDir recursively tars every regular file under src into the archive
// under archivePrefix, forcing the executable bit when forceExec is true
// (the hooks directory). Extended attributes and PAX records are never
// written, so the archive survives a cross-OS transfer into the container.
func addDir(tw *tar.Writer, src, archivePrefix string, forceExec bool) error {
	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, path := range files {
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		mode := int64(0o644)
		if forceExec {
			mode = 0o755
		}
		archivePath := filepath.ToSlash(filepath.Join(archivePrefix, rel))
		if err := addFile(tw, archivePath, data, mode); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, name string, data []byte, mode int64) error {
	hdr := &tar.Header{
		Name:   name,
		Mode:   mode,
		Size:   int64(len(data)),
		Format: tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
