// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"os"
	"path/filepath"
	"strings"
)

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it. Only the current user's
// home directory is expanded.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}

// AppDataDir returns the default application data directory for the named
// application, ~/.<appName>.
func AppDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "." + appName
	}
	return filepath.Join(homeDir, "."+appName)
}
