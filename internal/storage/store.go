// Package storage holds the persistence backends behind the catalog: a
// keyed blob store with per-object content type and ETag.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key holds no object.
	ErrNotFound = errors.New("storage: not found")
	// ErrPreconditionFailed signals a failed conditional write.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	// ErrInvalidKey is returned for empty keys or keys escaping the store root.
	ErrInvalidKey = errors.New("storage: invalid key")
)

const defaultContentType = "application/octet-stream"

// Object is a stored blob and its metadata.
type Object struct {
	Key         string
	ContentType string
	ETag        string
	Body        []byte
	UpdatedAt   time.Time
}

// PutOptions controls write semantics for Put.
// IfMatch and IfAbsent are mutually exclusive; IfMatch wins when both are set.
type PutOptions struct {
	ContentType string
	IfMatch     string
	IfAbsent    bool
}

// Store is a keyed blob store. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (etag string, err error)
	Ping(ctx context.Context) error
	Close() error
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return defaultContentType
	}
	return ct
}
