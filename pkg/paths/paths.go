// Package paths resolves sessiontap's on-disk locations.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvDataDir overrides the data directory.
const EnvDataDir = "SESSIONTAP_DATA_DIR"

// DataDir returns the directory holding the journal and the event socket:
// $SESSIONTAP_DATA_DIR when set, else ~/.sessiontap, else ./.sessiontap.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvDataDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".", ".sessiontap")
	}
	return filepath.Join(home, ".sessiontap")
}

// DataFile joins name onto DataDir.
func DataFile(name string) string {
	return filepath.Join(DataDir(), name)
}

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
// Other paths are returned trimmed but otherwise unchanged.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
