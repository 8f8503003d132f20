package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ServeLock is the lock file written next to the database while a serve
// process owns it. Two engines sharing one database would break the
// single-worker-per-incident rule, so a second serve refuses to start.
type ServeLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	// Ephemeral is set when the server keeps its job queue in memory and so
	// never sees jobs written to the database by other processes
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// LockPath returns the lock file path for a database
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireServeLock creates the lock file for dbPath. A lock left behind by a
// process that no longer exists is overwritten.
// Returns the lock file path for cleanup on shutdown.
func AcquireServeLock(dbPath, version string, ephemeral bool) (lockPath string, err error) {
	if dbPath == ":memory:" {
		return "", nil
	}
	lockPath = LockPath(dbPath)

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing ServeLock
		if json.Unmarshal(data, &existing) == nil {
			if isProcessAlive(existing.PID, existing.Hostname) {
				return "", fmt.Errorf("another warden serve is already running (PID %d on %s, started %s)",
					existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(os.Stderr, "Warning: removing stale lock held by PID %d\n", existing.PID)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := ServeLock{
		Holder:    "warden-serve",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
		Ephemeral: ephemeral,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create serve lock: %w", err)
	}
	return lockPath, nil
}

// ReadServeLock returns the lock of the serve process that owns dbPath, or
// nil when no live process holds it.
func ReadServeLock(dbPath string) (*ServeLock, error) {
	if dbPath == ":memory:" {
		return nil, nil
	}
	data, err := os.ReadFile(LockPath(dbPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read serve lock: %w", err)
	}
	var lock ServeLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse serve lock: %w", err)
	}
	if !isProcessAlive(lock.PID, lock.Hostname) {
		return nil, nil
	}
	return &lock, nil
}

// ReleaseServeLock removes the lock file.
func ReleaseServeLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove serve lock: %w", err)
	}
	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Locks from other hosts, and processes we cannot signal, are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}
