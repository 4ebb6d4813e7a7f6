// Package devicestorage provides the durable byte slot a device profile keeps its
// session registry in. Every backend stores one opaque blob per profile and
// writes it whole.
package devicestorage

import "context"

// Blob is a durable, synchronous key-value slot scoped to a single device profile.
type Blob interface {
	// ReadAll returns the last written bytes, or nil and no error when nothing
	// has been written for the profile yet.
	ReadAll(ctx context.Context) ([]byte, error)
	// WriteAll replaces the stored bytes. The write is durable once it returns nil.
	WriteAll(ctx context.Context, b []byte) error
}
