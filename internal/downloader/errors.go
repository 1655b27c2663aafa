package downloader

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

var (
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrNetworkPolicy       = errors.New("network policy violation")
	ErrNotFound            = errors.New("download not found")
	ErrNotActive           = errors.New("download not active")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidRequest      = errors.New("invalid download request")
	ErrClosed              = errors.New("download manager closed")

	// ErrStorageUnavailable is returned when the metadata store faults on a write.
	ErrStorageUnavailable = storage.ErrUnavailable
)

// InsufficientStorageError reports that the free space does not cover the
// estimated size plus the safety margin.
type InsufficientStorageError struct {
	Required  int64 // estimated bytes including the margin
	Available int64 // free bytes on the volume
}

func (e *InsufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage: need %s, have %s",
		humanize.IBytes(uint64(max(e.Required, 0))), humanize.IBytes(uint64(max(e.Available, 0))))
}

func (e *InsufficientStorageError) Is(target error) bool {
	return target == ErrInsufficientStorage
}

// NetworkPolicyError reports a download refused because only unmetered
// connections are allowed and the current one is not.
type NetworkPolicyError struct {
	Interface string
}

func (e *NetworkPolicyError) Error() string {
	if e.Interface == "" {
		return "network policy violation: downloads are restricted to unmetered connections"
	}

	return fmt.Sprintf("network policy violation: %s is not an unmetered connection", e.Interface)
}

func (e *NetworkPolicyError) Is(target error) bool {
	return target == ErrNetworkPolicy
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("download %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotActiveError reports a pause or cancel on a download that is not running.
type NotActiveError struct {
	ID     string
	Status storage.Status
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("download %s is not active (status %s)", e.ID, e.Status)
}

func (e *NotActiveError) Is(target error) bool {
	return target == ErrNotActive
}

// TransferError describes why a transfer settled without a usable file.
type TransferError struct {
	ID         string
	StatusCode int   // HTTP status code, 0 when the transfer never got a response
	Err        error // Underlying error, if any
}

func (e *TransferError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("transfer of %s failed (HTTP %d): %v", e.ID, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("transfer of %s failed: %v", e.ID, e.Err)
	default:
		return fmt.Sprintf("transfer of %s failed (HTTP %d)", e.ID, e.StatusCode)
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

// TransitionError reports an operation the state machine forbids from the current status.
type TransitionError struct {
	ID        string
	Operation string
	From      storage.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s download %s from status %s", e.Operation, e.ID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}
