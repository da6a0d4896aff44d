package cas

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cascached/cascached/pkg/cas/status"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/model"
	"github.com/cascached/cascached/pkg/storage"
	storagestatus "github.com/cascached/cascached/pkg/storage/status"

	"go.uber.org/zap"
)

// Place materializes previously stored content at a caller path.
//
// replacement governs an existing destination file; realization selects
// a byte copy or a hard link of the stored blob. A writable hard link
// would alias the immutable blob, so hard-link realization with
// read-write access falls back to a copy. Placement refreshes the
// entry's last-access time and never mutates its pin state.
func (e *Engine) Place(
	ctx context.Context,
	d digest.Digest,
	destPath string,
	access model.AccessMode,
	replacement model.ReplacementMode,
	realization model.RealizationMode,
	opts ...OpOption,
) model.PlaceResult {
	if err := e.ready(); err != nil {
		return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	settings := operationSettings(opts)
	if !access.Valid() || !replacement.Valid() {
		return model.PlaceResult{
			Result: model.Failedf(model.MalformedInput, "invalid access %q or replacement %q", access, replacement),
			Digest: d,
		}
	}
	// moving the stored blob out would mutate the store
	if realization != model.RealizeCopy && realization != model.RealizeHardLink {
		return model.PlaceResult{
			Result: model.Failedf(model.MalformedInput, "realization mode %q is not placeable", realization),
			Digest: d,
		}
	}
	if err := interrupted(ctx); err != nil {
		return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}

	e.locks.lock(d)
	defer e.locks.unlock(d)

	entry, ok, err := e.exists(d)
	if err != nil {
		return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	if !ok {
		metrics.Inc(e.m.PlaceCount, outcome(model.NotPlacedContentNotFound))
		return model.PlaceResult{
			Result: model.Failedf(model.NotPlacedContentNotFound, "no content for %s", d),
			Digest: d,
		}
	}

	if _, err := os.Stat(destPath); err == nil {
		if replacement == model.FailIfExists {
			metrics.Inc(e.m.PlaceCount, outcome(model.MalformedInput))
			return model.PlaceResult{
				Result: model.Failedf(model.MalformedInput, "destination %q exists", destPath),
				Digest: d,
			}
		}
		if err := os.Remove(destPath); err != nil {
			return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
		}
	}
	if dir := filepath.Dir(destPath); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
		}
	}

	key := blobKeyForDigest(d)
	linked := false
	if realization == model.RealizeHardLink && access == model.AccessReadOnly {
		if linker, ok := e.blobs.(storage.Linker); ok {
			err := linker.LinkOut(ctx, key, destPath)
			switch {
			case err == nil:
				linked = true
			case errors.Is(err, storagestatus.ErrDestinationExists):
				return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
			case !isNotSupported(err):
				return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
			}
		}
	}
	if !linked {
		if err := e.placeCopy(ctx, key, destPath); err != nil {
			return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
		}
	}

	perm := os.FileMode(0600)
	if access == model.AccessReadOnly {
		perm = 0400
	}
	if err := os.Chmod(destPath, perm); err != nil {
		e.l.Warn("failed to set access mode on placed file",
			zap.String("dest", destPath), zap.Error(err))
	}

	e.touch(entry)
	if settings.pin {
		e.addPin(d)
	}
	metrics.Inc(e.m.PlaceCount, outcome(model.Success))
	e.l.Debug("content placed", zap.Stringer("digest", d), zap.String("dest", destPath), zap.Bool("linked", linked))
	return model.PlaceResult{Result: model.OK(), Digest: d}
}

func (e *Engine) placeCopy(ctx context.Context, key, destPath string) error {
	rdr, err := e.blobs.Get(ctx, key)
	if err != nil {
		return status.ErrCommit.Wrap(err)
	}
	defer rdr.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := spoolCopy(ctx, dest, rdr); err != nil {
		_ = dest.Close()
		_ = os.Remove(destPath)
		return err
	}
	return dest.Close()
}
