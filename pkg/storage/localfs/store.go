// Package localfs provides a local file system backed blob area.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/storage"
	"github.com/cascached/cascached/pkg/storage/status"

	"github.com/spf13/afero"
)

// realPather is implemented by afero file systems which can resolve a
// key to an OS-level path (e.g. BasePathFs over an OS fs). Hard links
// and renames are only available on such backends.
type realPather interface {
	RealPath(name string) (string, error)
}

// New creates a local file system backed blob area.
//
// When fs is nil, a default store rooted under .cascached/blobs is used.
func New(fs afero.Fs) storage.Store {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".cascached", "blobs"))
	}
	return &localFS{fs: fs}
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) String() string {
	return "localfs"
}

func (l *localFS) Has(_ context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, status.ErrStorageAPI.Wrap(err)
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, status.ErrNotExists
	}
	return l.fs.Open(key)
}

func (l *localFS) GetAttr(_ context.Context, key string) (storage.Attributes, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Attributes{}, status.ErrNotExists
		}
		return storage.Attributes{}, status.ErrStorageAPI.Wrap(err)
	}
	return storage.Attributes{Size: fi.Size(), Updated: fi.ModTime()}, nil
}

func (l *localFS) Put(_ context.Context, key string, source io.Reader, exclusive bool) (int64, error) {
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return 0, status.ErrStorageAPI.Wrap(err)
		}
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if exclusive {
		flag = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	target, err := l.fs.OpenFile(key, flag, 0600)
	if err != nil {
		if os.IsExist(err) {
			return 0, status.ErrExists
		}
		return 0, status.ErrStorageAPI.Wrap(err)
	}
	written, err := storage.PipeIO(target, source)
	if err != nil {
		_ = target.Close()
		_ = l.fs.Remove(key)
		return written, status.ErrStorageAPI.Wrap(err)
	}
	if err := target.Close(); err != nil {
		return written, status.ErrStorageAPI.Wrap(err)
	}
	return written, nil
}

func (l *localFS) Delete(_ context.Context, key string) error {
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return status.ErrStorageAPI.Wrap(err)
	}
	return nil
}

func (l *localFS) Keys(_ context.Context) ([]string, error) {
	const root = "."
	var res []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		res = append(res, path)
		return nil
	})
	if err != nil {
		return nil, status.ErrStorageAPI.Wrap(err)
	}
	return res, nil
}

// realPath resolves a key to an OS path, or ErrNotSupported when the
// backing fs is not OS-addressable.
func (l *localFS) realPath(key string) (string, error) {
	rp, ok := l.fs.(realPather)
	if !ok {
		return "", status.ErrNotSupported
	}
	pth, err := rp.RealPath(key)
	if err != nil {
		return "", status.ErrNotSupported.Wrap(err)
	}
	return pth, nil
}

func (l *localFS) ensureDir(key string) error {
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return status.ErrStorageAPI.Wrap(err)
		}
	}
	return nil
}

// LinkIn implements storage.Linker
func (l *localFS) LinkIn(_ context.Context, existingPath, key string) error {
	target, err := l.realPath(key)
	if err != nil {
		return err
	}
	if err := l.ensureDir(key); err != nil {
		return err
	}
	if err := os.Link(existingPath, target); err != nil {
		if os.IsExist(err) {
			return status.ErrExists
		}
		return status.ErrStorageAPI.Wrap(err)
	}
	return nil
}

// LinkOut implements storage.Linker
func (l *localFS) LinkOut(_ context.Context, key, destPath string) error {
	source, err := l.realPath(key)
	if err != nil {
		return err
	}
	if err := os.Link(source, destPath); err != nil {
		if os.IsExist(err) {
			return status.ErrDestinationExists
		}
		return status.ErrStorageAPI.Wrap(err)
	}
	return nil
}

// MoveIn implements storage.Mover. Cross-device renames fall back to a
// copy followed by the removal of the source.
func (l *localFS) MoveIn(ctx context.Context, sourcePath, key string) error {
	target, err := l.realPath(key)
	if err != nil {
		return err
	}
	if err := l.ensureDir(key); err != nil {
		return err
	}
	err = os.Rename(sourcePath, target)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return status.ErrStorageAPI.Wrap(err)
	}
	source, err := os.Open(sourcePath)
	if err != nil {
		return status.ErrStorageAPI.Wrap(err)
	}
	defer source.Close()
	if _, err := l.Put(ctx, key, source, true); err != nil {
		return err
	}
	return os.Remove(sourcePath)
}

var (
	_ storage.Store  = &localFS{}
	_ storage.Linker = &localFS{}
	_ storage.Mover  = &localFS{}
)
