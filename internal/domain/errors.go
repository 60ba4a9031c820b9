package domain

import (
	"errors"
	"fmt"
)

// Transfer error kinds - 對外呈現的六種錯誤類型
var (
	// ErrAdapterNotRegistered indicates no adapter is bound to the connection id
	ErrAdapterNotRegistered = errors.New("adapter not registered")

	// ErrUnsupportedOperation indicates the protocol cannot perform the operation
	ErrUnsupportedOperation = errors.New("operation not supported by protocol")

	// ErrConnection indicates the underlying connection failed or dropped
	ErrConnection = errors.New("connection error")

	// ErrCancelled indicates the transfer was cancelled by its owner
	ErrCancelled = errors.New("transfer cancelled")

	// ErrIO indicates a local or remote read/write failure
	ErrIO = errors.New("i/o error")

	// ErrProtocol indicates a malformed or unexpected server response
	ErrProtocol = errors.New("protocol error")
)

// Adapter errors - 適配器層錯誤
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrPermissionDenied indicates insufficient permissions
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotDirectory indicates expected a directory but got a file
	ErrNotDirectory = errors.New("not a directory")
)

// Session errors - 傳輸會話錯誤
var (
	// ErrSessionNotFound indicates the transfer id is unknown to the store
	ErrSessionNotFound = errors.New("transfer session not found")

	// ErrTransferInProgress indicates a controller is already running for the id
	ErrTransferInProgress = errors.New("transfer already in progress")

	// ErrInvalidTransition indicates a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrManagerClosed indicates the manager has been shut down
	ErrManagerClosed = errors.New("transfer manager closed")
)

// Config errors - 設定檔錯誤
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")

	// ErrConnectionNotFound indicates a referenced connection id is not configured
	ErrConnectionNotFound = errors.New("connection not found")
)

// OpError records a failed adapter operation together with the protocol
// that produced it.
type OpError struct {
	Protocol Protocol
	Op       string
	Path     string
	Err      error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Protocol, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapOp tags err with protocol and operation. nil stays nil.
func WrapOp(protocol Protocol, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Protocol == protocol {
		return err
	}
	return &OpError{Protocol: protocol, Op: op, Path: path, Err: err}
}

// ErrorKind names one of the error categories surfaced to callers.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindAdapterNotRegistered ErrorKind = "AdapterNotRegistered"
	KindUnsupportedOperation ErrorKind = "UnsupportedOperation"
	KindConnection           ErrorKind = "ConnectionError"
	KindCancelled            ErrorKind = "Cancelled"
	KindIO                   ErrorKind = "IOError"
	KindProtocol             ErrorKind = "ProtocolError"
)

// KindOf classifies err. Not-found and permission errors count as I/O.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAdapterNotRegistered):
		return KindAdapterNotRegistered
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupportedOperation
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrIO), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrNotDirectory):
		return KindIO
	default:
		return KindNone
	}
}
