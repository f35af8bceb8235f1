// Package mediastore abstracts the device-managed media storage that
// uploaded bytes are written through to. The upload service uses it
// exclusively for writes; read-side indexing belongs to the host.
package mediastore

import (
	"errors"
	"io"
)

// Sentinel errors returned by media stores.
var (
	// ErrUnknownHandle is returned when a handle does not reference a
	// pending entry.
	ErrUnknownHandle = errors.New("unknown storage handle")

	// ErrNotPending is returned when an operation requires a pending entry
	// but the handle references a finalized one.
	ErrNotPending = errors.New("storage handle is not pending")
)

// Store is one device's media storage.
// Appends to a single handle are serialized by the store.
type Store interface {
	// CreatePending allocates a pending entry for an incoming file and
	// returns its opaque handle.
	CreatePending(name, mimeType string) (handle string, err error)

	// AppendStream opens a writable sink that appends to the pending
	// entry's current end. The caller must close the sink.
	AppendStream(handle string) (io.WriteCloser, error)

	// Size returns the entry's current size in bytes.
	Size(handle string) (int64, error)

	// Finalize marks the pending entry complete and returns its URL.
	Finalize(handle string) (url string, err error)

	// Delete removes the entry, pending or not.
	Delete(handle string) error

	// ListPending returns the handles of all pending entries in the
	// store's own scope.
	ListPending() ([]string, error)

	// FreeBytes returns the device's available storage in bytes.
	FreeBytes() (int64, error)
}
