// Package lock guards a data directory so only one process at a time
// drives its session store.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LockFileName is created inside the guarded directory
	LockFileName = "xferd.lock"

	// DefaultStaleTimeout applies to locks written by another host, whose
	// process cannot be probed
	DefaultStaleTimeout = 30 * time.Minute
)

// Owner describes the process holding a data directory
type Owner struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Since    time.Time `json:"since"`

	// Command is the CLI command that took the lock
	Command string `json:"command,omitempty"`
}

// DirLock is an advisory lock file inside a data directory
type DirLock struct {
	path         string
	staleTimeout time.Duration
	owner        *Owner
	now          func() time.Time
}

// New creates a lock for dir, creating the directory if needed
func New(dir string) (*DirLock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &DirLock{
		path:         filepath.Join(dir, LockFileName),
		staleTimeout: DefaultStaleTimeout,
		now:          time.Now,
	}, nil
}

// Path returns the lock file location
func (l *DirLock) Path() string { return l.path }

// SetStaleTimeout sets when a foreign-host lock is considered abandoned
func (l *DirLock) SetStaleTimeout(d time.Duration) {
	l.staleTimeout = d
}

// Acquire takes the lock for command. Re-acquiring a lock this instance
// already holds only updates the recorded command.
func (l *DirLock) Acquire(command string) error {
	if l.owner != nil {
		current, err := l.read()
		if err == nil && l.ownedBy(current) {
			current.Command = command
			if err := l.write(current); err != nil {
				return err
			}
			l.owner.Command = command
			return nil
		}
	}

	if current, err := l.read(); err == nil {
		if !l.isStale(current) {
			return &HeldError{Owner: current}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	owner := &Owner{
		PID:      os.Getpid(),
		Hostname: hostname,
		Since:    l.now(),
		Command:  command,
	}

	// O_EXCL makes creation the arbitration point between racing processes
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			if current, readErr := l.read(); readErr == nil {
				return &HeldError{Owner: current}
			}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(owner); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	l.owner = owner
	return nil
}

// Release removes the lock file if this instance still owns it
func (l *DirLock) Release() error {
	if l.owner == nil {
		return nil
	}
	defer func() { l.owner = nil }()

	current, err := l.read()
	if err != nil {
		return nil
	}
	if !l.ownedBy(current) {
		return fmt.Errorf("lock was taken over by PID %d on %s", current.PID, current.Hostname)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Holder returns the live owner of the lock, or nil when it is free
func (l *DirLock) Holder() (*Owner, error) {
	current, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.isStale(current) {
		return nil, nil
	}
	return current, nil
}

// ForceRelease removes the lock file regardless of owner
func (l *DirLock) ForceRelease() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force remove lock: %w", err)
	}
	l.owner = nil
	return nil
}

func (l *DirLock) read() (*Owner, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &owner, nil
}

func (l *DirLock) write(owner *Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0644)
}

// isStale reports whether the owner is gone. On the same host the PID is
// probed and age is ignored; across hosts only age counts.
func (l *DirLock) isStale(owner *Owner) bool {
	hostname, _ := os.Hostname()
	if owner.Hostname == hostname {
		return !processExists(owner.PID)
	}
	return l.now().Sub(owner.Since) > l.staleTimeout
}

func (l *DirLock) ownedBy(owner *Owner) bool {
	if l.owner == nil {
		return false
	}
	hostname, _ := os.Hostname()
	return owner.PID == os.Getpid() &&
		owner.Hostname == hostname &&
		owner.Since.Equal(l.owner.Since)
}

// HeldError reports that another live process owns the directory
type HeldError struct {
	Owner *Owner
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("data directory is in use by PID %d on %s since %s (%s)",
		e.Owner.PID, e.Owner.Hostname, e.Owner.Since.Format(time.RFC3339), e.Owner.Command)
}

// IsHeld reports whether err is a HeldError
func IsHeld(err error) bool {
	var held *HeldError
	return errors.As(err, &held)
}
