package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath is the database location used when nothing else is configured
const DefaultPath = ".warden/warden.db"

// ResolvePath picks the database path: an explicit path wins, then the
// WARDEN_DB environment variable, then DefaultPath under the working directory.
// The special value ":memory:" is returned unchanged.
func ResolvePath(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = os.Getenv("WARDEN_DB")
	}
	if path == "" {
		path = DefaultPath
	}
	if path == ":memory:" {
		return path, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absPath, nil
}

// RequireExisting returns an error with a hint when the database file is
// missing. Read-only commands use it so they don't silently create an empty
// database in the wrong directory.
func RequireExisting(path string) error {
	if path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf(
				"no database found at %s\n"+
					"  Run 'warden serve' to initialize it\n"+
					"  Or use --db flag to specify database path explicitly",
				path)
		}
		return fmt.Errorf("failed to stat database: %w", err)
	}
	return nil
}
