package domain

import (
	"fmt"
	"time"
)

// TransferType is the direction of a transfer
type TransferType string

const (
	TransferUpload   TransferType = "upload"
	TransferDownload TransferType = "download"
)

// IsValid checks if the transfer type is a known value
func (t TransferType) IsValid() bool {
	return t == TransferUpload || t == TransferDownload
}

// Status is the lifecycle state of a transfer session
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsValid checks if the status is a known value
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible within an attempt
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
//
//	pending -> active | error | cancelled
//	active  -> completed | error | cancelled
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusError || next == StatusCancelled
	case StatusActive:
		return next == StatusCompleted || next == StatusError || next == StatusCancelled
	}
	return false
}

// TransferSession is the durable record of one upload or download
type TransferSession struct {
	ID           string       `json:"id"`
	ConnectionID string       `json:"connectionId"`
	Type         TransferType `json:"type"`
	LocalPath    string       `json:"localPath"`
	RemotePath   string       `json:"remotePath"`
	Status       Status       `json:"status"`

	// TotalSize is 0 while unknown
	TotalSize       int64 `json:"totalSize"`
	TransferredSize int64 `json:"transferredSize"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Error is set only when Status is error
	Error string `json:"error,omitempty"`
}

// NewTransferSession creates a pending session
func NewTransferSession(id, connectionID string, typ TransferType, localPath, remotePath string, totalSize int64, now time.Time) TransferSession {
	return TransferSession{
		ID:           id,
		ConnectionID: connectionID,
		Type:         typ,
		LocalPath:    localPath,
		RemotePath:   remotePath,
		Status:       StatusPending,
		TotalSize:    totalSize,
		StartTime:    now,
	}
}

// Progress returns completion percentage in [0, 100]
func (s TransferSession) Progress() float64 {
	if s.Status == StatusCompleted {
		return 100
	}
	if s.TotalSize <= 0 {
		return 0
	}
	p := float64(s.TransferredSize) / float64(s.TotalSize) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Transition moves the session to next, enforcing the state machine.
// Entering a terminal state stamps EndTime.
func (s *TransferSession) Transition(next Status, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	if next.IsTerminal() {
		end := now
		s.EndTime = &end
	}
	return nil
}

// Reopen starts a new attempt on the same session id.
// Completed sessions cannot be reopened.
func (s *TransferSession) Reopen(totalSize int64, now time.Time) error {
	if s.Status == StatusCompleted {
		return fmt.Errorf("%w: completed session cannot be reopened", ErrInvalidTransition)
	}
	s.Status = StatusPending
	s.TotalSize = totalSize
	s.TransferredSize = 0
	s.StartTime = now
	s.EndTime = nil
	s.Error = ""
	return nil
}

// Validate checks the session fields a store relies on
func (s TransferSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if s.ConnectionID == "" {
		return fmt.Errorf("session %s: connection id cannot be empty", s.ID)
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("session %s: invalid type %q", s.ID, s.Type)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("session %s: invalid status %q", s.ID, s.Status)
	}
	return nil
}
