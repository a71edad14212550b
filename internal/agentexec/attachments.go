package agentexec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
)

// tarSingleFile wraps the file at hostPath in a single-entry tar stream
// under archiveName, for use with the Docker Gateway's CopyInto. Image
// attachments arrive as host-side files (already staged by the realtime
// gateway's upload handling, outside this package's scope) and are copied
// in one at a time.
func tarSingleFile(hostPath, archiveName string) (io.Reader, error) {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", hostPath, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:   archiveName,
		Mode:   0o644,
		Size:   int64(len(data)),
		Format: tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header for %s: %w", archiveName, err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("write tar body for %s: %w", archiveName, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return &buf, nil
}
