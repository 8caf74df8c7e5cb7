// Package errors provides error types and utilities for the duty engine.
package errors

import (
	"errors"
	"fmt"
)

// Messages persisted on jobs that were force-resolved by the engine.
const (
	MsgCanceled = "Canceled"
	MsgExpired  = "Expired due to inactivity"
)

// Sentinel errors for common conditions
var (
	ErrNotConnected  = errors.New("not connected")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job already exists")
	ErrEmptyJobName  = errors.New("job name cannot be empty")
	ErrNilHandler    = errors.New("handler cannot be nil")
	ErrNilStore      = errors.New("store cannot be nil")
	ErrEngineClosed  = errors.New("engine closed")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrTimeout       = errors.New("operation timed out")
	ErrEmptyPayload  = errors.New("job has no payload")

	// ErrStatusConflict is returned by a store when a patch's From guard
	// does not match the record's current status.
	ErrStatusConflict = errors.New("job status changed")

	// ErrCanceled and ErrExpired are the causes attached to a running job's
	// context when it is force-resolved.
	ErrCanceled = errors.New("job canceled")
	ErrExpired  = errors.New("job expired due to inactivity")
)

// StoreError represents job record store errors
type StoreError struct {
	Op  string // operation being performed
	ID  string // job id (if applicable)
	Err error  // underlying error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s on job %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// JobError is the outcome of a job that resolved with status error.
// Error returns Message unchanged so it matches the persisted record.
type JobError struct {
	ID      string // job id
	Name    string // job name
	Message string // persisted error message
	Err     error  // underlying error, if any
}

func (e *JobError) Error() string {
	return e.Message
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// SerializationError represents serialization/deserialization errors
type SerializationError struct {
	Format string // serialization format
	Err    error  // underlying error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization (%s): %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewStoreError creates a new store error
func NewStoreError(op, id string, err error) error {
	return &StoreError{Op: op, ID: id, Err: err}
}

// NewJobError creates a new job error
func NewJobError(id, name, message string, err error) *JobError {
	return &JobError{ID: id, Name: name, Message: message, Err: err}
}

// NewSerializationError creates a new serialization error
func NewSerializationError(format string, err error) error {
	return &SerializationError{Format: format, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return errors.Is(err, ErrTimeout)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether err means the job record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsConflict reports whether err means the record's status no longer allowed
// the update
func IsConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict)
}
