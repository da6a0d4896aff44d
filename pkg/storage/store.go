// Package storage defines the blob area abstraction used by the cache
// engine. Implementations know how to persist opaque objects under
// string keys, file system-like. The engine derives keys from content
// digests and never relies on any particular on-disk layout.
package storage

import (
	"context"
	"io"
	"sync"
	"time"
)

// Attributes describe a stored object
type Attributes struct {
	Size    int64
	Updated time.Time
}

// Store implementations persist opaque objects under keys.
//
// Implementations of this interface are assumed to be fairly simple;
// richer capabilities (hard links, renames) are optional upgrades
// declared by Linker and Mover.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	GetAttr(context.Context, string) (Attributes, error)
	// Put writes an object. With exclusive set, an already existing
	// key fails with status.ErrExists.
	Put(ctx context.Context, key string, source io.Reader, exclusive bool) (int64, error)
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
}

// Linker is an optional Store capability: materializing objects as
// hard links instead of byte copies.
type Linker interface {
	// LinkIn makes an existing external file become the stored object
	LinkIn(ctx context.Context, existingPath, key string) error

	// LinkOut materializes a stored object at an external path
	LinkOut(ctx context.Context, key, destPath string) error
}

// Mover is an optional Store capability: renaming files into or out of
// the store, avoiding byte copies for same-filesystem sources.
type Mover interface {
	// MoveIn renames an external file into the store
	MoveIn(ctx context.Context, sourcePath, key string) error
}

var copyBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

// PipeIO copies a stream with pooled buffers
func PipeIO(writer io.Writer, reader io.Reader) (int64, error) {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	return io.CopyBuffer(writer, reader, *bufp)
}
