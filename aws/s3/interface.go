//go:generate mockgen -package mocks -destination mocks/interface.go -source=interface.go
package s3

import (
	"context"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key not found")

// ObjectInfo describes a stored object. Keys are relative to the client prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string // without quotes.
	LastModified time.Time
}

type BasicClient interface {
	Lister
	Getter
	Putter
	Header
	Copier
	Deleter
}

type Client interface {
	BasicClient
	Mover
}

type Lister interface {
	// List returns every object whose key starts with prefix, in key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

type Getter interface {
	// Get returns ErrKeyNotFound if the given key doesn't exist.
	Get(ctx context.Context, key string) (data []byte, err error)
}

type Putter interface {
	// Put stores data at key in one request, replacing any existing object, and returns the new ETag.
	// A non-empty contentMD5 (hex) asks the store to verify the upload.
	Put(ctx context.Context, key string, data []byte, contentMD5 string) (etag string, err error)
}

type Header interface {
	// Head returns ErrKeyNotFound if the given key doesn't exist.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
}

type Copier interface {
	// Copy performs a server-side copy, replacing dst.
	Copy(ctx context.Context, src, dst string) error
}

type Deleter interface {
	Delete(ctx context.Context, key string) error
}

type Mover interface {
	// Move returns ErrKeyNotFound if the src key doesn't exist.
	Move(ctx context.Context, src, dst string) error
}
