package testutil

import (
	"os"
	"path/filepath"
)

// GetBinaryPath returns the path to the chainbuild binary for integration tests.
// It checks multiple locations in order of preference:
// 1. Current directory (./chainbuild)
// 2. Parent directory (../chainbuild)
// 3. bin directory (../bin/chainbuild)
func GetBinaryPath() string {
	if _, err := os.Stat("chainbuild"); err == nil {
		return "./chainbuild"
	}

	if _, err := os.Stat("../chainbuild"); err == nil {
		return "../chainbuild"
	}

	binPath := filepath.Join("..", "bin", "chainbuild")
	if _, err := os.Stat(binPath); err == nil {
		return binPath
	}

	return "./chainbuild"
}
