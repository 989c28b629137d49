package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("FASTREC_DATA_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".fastrec-data"
	}
	return filepath.Join(home, ".fastrec-data")
}

// GetRecordingsDir returns where downloaded recordings are stored under dataDir
func GetRecordingsDir(dataDir string) string {
	return filepath.Join(dataDir, "recordings")
}

// GetStateDir returns where history and index files live under dataDir
func GetStateDir(dataDir string) string {
	return filepath.Join(dataDir, "state")
}

// EnsureDir creates dir (and parents) if missing
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
