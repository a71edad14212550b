package containerpool

import (
	"fmt"
	"os"
	"path/filepath"
)

// dataRoot is the host directory under which every user's workspace and
// .claude configuration directory live, mirroring the fixed layout in
// spec.md §4.2 step 4: "<data_root>/users/user_<id>/workspace". It is set
// by cmd/engined from the AGENTCORE_DATA_ROOT environment variable before
// the Pool is constructed; see SetDataRoot.
var dataRoot = "/data"

// SetDataRoot overrides the host data root used to compute per-user bind
// mount sources. Called once from cmd/engined/main.go after config.Load.
func SetDataRoot(root string) {
	dataRoot = root
}

// prepareHostDirs ensures the per-user workspace and .claude configuration
// directories exist on the host, returning their absolute paths for use as
// bind mount sources. Both directories are created if absent; an existing
// workspace from a prior container is reused, not wiped.
func prepareHostDirs(userID string) (workspace, claudeDir string, err error) {
	base := filepath.Join(dataRoot, "users", "user_"+userID)
	workspace = filepath.Join(base, "workspace")
	claudeDir = filepath.Join(base, "claude-config")

	for _, dir := range []string{workspace, claudeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return workspace, claudeDir, nil
}
