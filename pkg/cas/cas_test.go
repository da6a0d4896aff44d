package cas

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cascached/cascached/internal/rand"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/model"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

func testEngine(t testing.TB, opts ...Option) (*Engine, string) {
	root := t.TempDir()
	return testEngineAt(t, root, opts...)
}

func testEngineAt(t testing.TB, root string, opts ...Option) (*Engine, string) {
	options := append([]Option{
		Quota(10 * 1024 * 1024),
		BlockSize(testBlockSize),
		Logger(dlogger.MustGetLogger(dlogger.LogLevelNone)),
	}, opts...)
	e, err := New(root, options...)
	require.NoError(t, err)
	require.NoError(t, e.Startup(context.Background()))
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e, root
}

func mustDigest(t testing.TB, payload []byte) digest.Digest {
	d, err := digest.FromBytes(digest.Blake2b, payload)
	require.NoError(t, err)
	return d
}

func placeTo(t testing.TB, e *Engine, d digest.Digest, dir string) ([]byte, model.PlaceResult) {
	dest := filepath.Join(dir, "placed-"+d.Hex()[:8])
	res := e.Place(context.Background(), d, dest, model.AccessReadWrite, model.FailIfExists, model.RealizeCopy)
	if !res.Succeeded() {
		return nil, res
	}
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	return b, res
}

func TestEnginePutPlaceRoundtrip(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(1000)
	res := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, res.Succeeded())
	require.Equal(t, model.Success, res.Code)
	require.Equal(t, int64(1000), res.BytesWritten)
	require.False(t, res.Deduplicated)
	require.True(t, res.Digest.Equal(mustDigest(t, payload)))

	got, placeRes := placeTo(t, e, res.Digest, t.TempDir())
	require.True(t, placeRes.Succeeded())
	require.Equal(t, payload, got)
}

func TestEnginePutFileAllRealizations(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []model.RealizationMode{model.RealizeCopy, model.RealizeHardLink, model.RealizeMove} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			e, _ := testEngine(t)
			payload := rand.Bytes(2048)
			src := filepath.Join(t.TempDir(), "source")
			require.NoError(t, os.WriteFile(src, payload, 0600))

			res := e.PutFile(ctx, src, nil, mode)
			require.True(t, res.Succeeded())
			require.Equal(t, int64(len(payload)), res.BytesWritten)

			if mode == model.RealizeMove {
				_, err := os.Stat(src)
				require.True(t, os.IsNotExist(err))
			} else {
				_, err := os.Stat(src)
				require.NoError(t, err)
			}

			got, placeRes := placeTo(t, e, res.Digest, t.TempDir())
			require.True(t, placeRes.Succeeded())
			require.Equal(t, payload, got)
		})
	}
}

func TestEnginePutDedup(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(4000)
	first := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, first.Succeeded())
	require.Equal(t, int64(4000), first.BytesWritten)

	second := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, second.Succeeded())
	require.True(t, second.Deduplicated)
	require.Zero(t, second.BytesWritten)
	require.True(t, first.Digest.Equal(second.Digest))

	// exactly one entry on disk
	require.Equal(t, int64(1), e.Stats().Entries)
}

func TestEnginePutHashMismatch(t *testing.T) {
	ctx := context.Background()
	e, root := testEngine(t)

	other := mustDigest(t, []byte("entirely different content"))
	res := e.Put(ctx, bytes.NewReader(rand.Bytes(512)), &other)
	require.False(t, res.Succeeded())
	require.Equal(t, model.HashMismatch, res.Code)

	// nothing stored, nothing left in the spool
	require.Equal(t, int64(0), e.Stats().Entries)
	spooled, err := os.ReadDir(filepath.Join(root, spoolArea))
	require.NoError(t, err)
	require.Empty(t, spooled)

	_, placeRes := placeTo(t, e, other, t.TempDir())
	require.Equal(t, model.NotPlacedContentNotFound, placeRes.Code)
}

func TestEnginePutExpectedDigestMatch(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(300)
	expected := mustDigest(t, payload)
	res := e.Put(ctx, bytes.NewReader(payload), &expected)
	require.True(t, res.Succeeded())
	require.True(t, expected.Equal(res.Digest))
}

func TestEngineDeleteScenario(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(1000)
	putRes := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, putRes.Succeeded())
	d := putRes.Digest

	got, placeRes := placeTo(t, e, d, t.TempDir())
	require.True(t, placeRes.Succeeded())
	require.Equal(t, payload, got)

	delRes := e.Delete(ctx, d, false)
	require.True(t, delRes.Succeeded())
	require.Equal(t, model.Success, delRes.Code)
	require.True(t, d.Equal(delRes.Digest))
	// physical size is rounded up to whole blocks
	require.Equal(t, int64(testBlockSize), delRes.BytesFreed)

	// deleting again is not an error: absence is an expected outcome
	again := e.Delete(ctx, d, false)
	require.True(t, again.Succeeded())
	require.Equal(t, model.ContentNotFound, again.Code)
	require.Zero(t, again.BytesFreed)

	_, placeRes = placeTo(t, e, d, t.TempDir())
	require.Equal(t, model.NotPlacedContentNotFound, placeRes.Code)
}

func TestEngineDeleteNeverInserted(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	d := mustDigest(t, rand.Bytes(42))
	res := e.Delete(ctx, d, false)
	require.True(t, res.Succeeded())
	require.Equal(t, model.ContentNotFound, res.Code)
	require.True(t, d.Equal(res.Digest))
	require.Zero(t, res.BytesFreed)
}

func TestEngineDeletePinned(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, res.Succeeded())
	d := res.Digest

	require.True(t, e.Pin(ctx, d).Succeeded())

	delRes := e.Delete(ctx, d, false)
	require.False(t, delRes.Succeeded())
	require.Equal(t, model.ContentNotDeleted, delRes.Code)

	require.True(t, e.Unpin(ctx, d).Succeeded())
	delRes = e.Delete(ctx, d, false)
	require.True(t, delRes.Succeeded())
	require.Equal(t, model.Success, delRes.Code)
}

func TestEnginePinMissing(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	d := mustDigest(t, []byte("never stored"))
	res := e.Pin(ctx, d)
	require.False(t, res.Succeeded())
	require.Equal(t, model.ContentNotFound, res.Code)

	unpin := e.Unpin(ctx, d)
	require.Equal(t, model.ContentNotFound, unpin.Code)
}

func TestEngineUnpinUnpinned(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(10)), nil)
	require.True(t, res.Succeeded())

	// unpinning content that is not pinned is a no-op success
	require.True(t, e.Unpin(ctx, res.Digest).Succeeded())
}

func TestEnginePinPreventsEviction(t *testing.T) {
	ctx := context.Background()
	// room for exactly 4 blocks
	e, _ := testEngine(t, Quota(4*testBlockSize))

	pinned := rand.Bytes(1000)
	res := e.Put(ctx, bytes.NewReader(pinned), nil)
	require.True(t, res.Succeeded())
	require.True(t, e.Pin(ctx, res.Digest).Succeeded())

	// push well past the quota: eviction must spare the pinned entry
	for i := 0; i < 8; i++ {
		r := e.Put(ctx, bytes.NewReader(rand.Bytes(1000)), nil)
		require.True(t, r.Succeeded())
	}

	got, placeRes := placeTo(t, e, res.Digest, t.TempDir())
	require.True(t, placeRes.Succeeded())
	require.Equal(t, pinned, got)

	used, max := e.quota.usage()
	require.LessOrEqual(t, used, max)
}

func TestEnginePutPinnedAtCommit(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t, Quota(3*testBlockSize))

	pinned := rand.Bytes(1000)
	res := e.Put(ctx, bytes.NewReader(pinned), nil, WithPinned())
	require.True(t, res.Succeeded())

	// the pin is held from the moment of commit: eviction pressure
	// cannot reclaim the entry
	for i := 0; i < 6; i++ {
		r := e.Put(ctx, bytes.NewReader(rand.Bytes(1000)), nil)
		require.True(t, r.Succeeded())
	}
	got, placeRes := placeTo(t, e, res.Digest, t.TempDir())
	require.True(t, placeRes.Succeeded())
	require.Equal(t, pinned, got)

	delRes := e.Delete(ctx, res.Digest, true)
	require.Equal(t, model.ContentNotDeleted, delRes.Code)

	require.True(t, e.Unpin(ctx, res.Digest).Succeeded())
	require.Equal(t, model.Success, e.Delete(ctx, res.Digest, true).Code)
}

func TestEngineDedupAndPlacePinnedAtCommit(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(200)
	first := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, first.Succeeded())
	d := first.Digest

	// a deduplicated put registers the pin too
	second := e.Put(ctx, bytes.NewReader(payload), nil, WithPinned())
	require.True(t, second.Succeeded())
	require.True(t, second.Deduplicated)
	require.Equal(t, model.ContentNotDeleted, e.Delete(ctx, d, true).Code)
	require.True(t, e.Unpin(ctx, d).Succeeded())

	// so does a placement
	dest := filepath.Join(t.TempDir(), "out")
	placeRes := e.Place(ctx, d, dest, model.AccessReadOnly, model.FailIfExists, model.RealizeCopy, WithPinned())
	require.True(t, placeRes.Succeeded())
	require.Equal(t, model.ContentNotDeleted, e.Delete(ctx, d, true).Code)
	require.True(t, e.Unpin(ctx, d).Succeeded())
	require.Equal(t, model.Success, e.Delete(ctx, d, true).Code)
}

// refusingReader fails the test if anything tries to read it
type refusingReader struct{ t *testing.T }

func (r refusingReader) Read([]byte) (int, error) {
	r.t.Error("source consumed for content that is already stored")
	return 0, io.ErrUnexpectedEOF
}

func TestEnginePutExpectedDigestShortCircuit(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(500)
	first := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, first.Succeeded())

	// the expected digest is already stored: the source is not consumed
	res := e.Put(ctx, refusingReader{t: t}, &first.Digest)
	require.True(t, res.Succeeded())
	require.True(t, res.Deduplicated)
	require.Zero(t, res.BytesWritten)
	require.Equal(t, int64(1), e.Stats().Entries)
}

// countingIndex decorates an index, counting lookups that reach it
type countingIndex struct {
	entryIndex
	gets int
}

func (c *countingIndex) Get(d digest.Digest) (model.Entry, bool, error) {
	c.gets++
	return c.entryIndex.Get(d)
}

func TestEngineEntryCacheServesLookups(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, res.Succeeded())

	counter := &countingIndex{entryIndex: e.index}
	e.index = counter

	// the entry was cached at commit time: no index round trip
	require.True(t, e.Pin(ctx, res.Digest).Succeeded())
	require.Zero(t, counter.gets)

	require.True(t, e.Unpin(ctx, res.Digest).Succeeded())
	require.True(t, e.Delete(ctx, res.Digest, true).Succeeded())

	// removal invalidates the cached entry: the lookup hits the index
	pinRes := e.Pin(ctx, res.Digest)
	require.Equal(t, model.ContentNotFound, pinRes.Code)
	require.Positive(t, counter.gets)
}

func TestEngineQuotaExceededAllPinned(t *testing.T) {
	ctx := context.Background()
	e, root := testEngine(t, Quota(2*testBlockSize))

	for i := 0; i < 2; i++ {
		r := e.Put(ctx, bytes.NewReader(rand.Bytes(500)), nil)
		require.True(t, r.Succeeded())
		require.True(t, e.Pin(ctx, r.Digest).Succeeded())
	}

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(500)), nil)
	require.False(t, res.Succeeded())
	require.Equal(t, model.QuotaExceeded, res.Code)

	// the partially written blob is rolled back
	spooled, err := os.ReadDir(filepath.Join(root, spoolArea))
	require.NoError(t, err)
	require.Empty(t, spooled)
	require.Equal(t, int64(2), e.Stats().Entries)
}

func TestEngineLRUEvictionOrder(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t, Quota(3*testBlockSize))

	a := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, a.Succeeded())
	b := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, b.Succeeded())
	c := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, c.Succeeded())

	// refresh a: b becomes the least recently used entry
	_, placeRes := placeTo(t, e, a.Digest, t.TempDir())
	require.True(t, placeRes.Succeeded())

	d := e.Put(ctx, bytes.NewReader(rand.Bytes(100)), nil)
	require.True(t, d.Succeeded())

	_, res := placeTo(t, e, b.Digest, t.TempDir())
	require.Equal(t, model.NotPlacedContentNotFound, res.Code)
	for _, alive := range []digest.Digest{a.Digest, c.Digest, d.Digest} {
		_, res := placeTo(t, e, alive, t.TempDir())
		require.True(t, res.Succeeded())
	}
}

func TestEnginePutCanceled(t *testing.T) {
	e, root := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(100000)), nil)
	require.False(t, res.Succeeded())
	require.Equal(t, model.ServerError, res.Code)

	// cancellation never leaves the index inconsistent with the disk
	require.Equal(t, int64(0), e.Stats().Entries)
	spooled, err := os.ReadDir(filepath.Join(root, spoolArea))
	require.NoError(t, err)
	require.Empty(t, spooled)
}

func TestEnginePlaceReplacementModes(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(64)
	res := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, res.Succeeded())

	dest := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(dest, []byte("previous content"), 0600))

	failRes := e.Place(ctx, res.Digest, dest, model.AccessReadWrite, model.FailIfExists, model.RealizeCopy)
	require.False(t, failRes.Succeeded())

	replaceRes := e.Place(ctx, res.Digest, dest, model.AccessReadWrite, model.ReplaceExisting, model.RealizeCopy)
	require.True(t, replaceRes.Succeeded())
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, b)
}

func TestEnginePlaceHardLink(t *testing.T) {
	ctx := context.Background()
	e, root := testEngine(t)

	payload := rand.Bytes(128)
	res := e.Put(ctx, bytes.NewReader(payload), nil)
	require.True(t, res.Succeeded())

	dest := filepath.Join(t.TempDir(), "linked")
	placeRes := e.Place(ctx, res.Digest, dest, model.AccessReadOnly, model.FailIfExists, model.RealizeHardLink)
	require.True(t, placeRes.Succeeded())

	fi1, err := os.Stat(dest)
	require.NoError(t, err)
	fi2, err := os.Stat(filepath.Join(root, blobArea, blobKeyForDigest(res.Digest)))
	require.NoError(t, err)
	require.True(t, os.SameFile(fi1, fi2))

	// a writable hard link would alias the blob: it degrades to a copy
	dest2 := filepath.Join(t.TempDir(), "writable")
	placeRes = e.Place(ctx, res.Digest, dest2, model.AccessReadWrite, model.FailIfExists, model.RealizeHardLink)
	require.True(t, placeRes.Succeeded())
	fi3, err := os.Stat(dest2)
	require.NoError(t, err)
	require.False(t, os.SameFile(fi2, fi3))

	b, err := os.ReadFile(dest2)
	require.NoError(t, err)
	require.Equal(t, payload, b)
}

func TestEnginePlaceMoveRejected(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	res := e.Put(ctx, bytes.NewReader(rand.Bytes(10)), nil)
	require.True(t, res.Succeeded())

	placeRes := e.Place(ctx, res.Digest, filepath.Join(t.TempDir(), "x"),
		model.AccessReadOnly, model.FailIfExists, model.RealizeMove)
	require.False(t, placeRes.Succeeded())
	require.Equal(t, model.MalformedInput, placeRes.Code)
}

func TestEngineStartupConsistency(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	keep := rand.Bytes(256)
	lose := rand.Bytes(256)
	var keepD, loseD digest.Digest
	{
		e, _ := testEngineAt(t, root)
		r1 := e.Put(ctx, bytes.NewReader(keep), nil)
		require.True(t, r1.Succeeded())
		keepD = r1.Digest
		r2 := e.Put(ctx, bytes.NewReader(lose), nil)
		require.True(t, r2.Succeeded())
		loseD = r2.Digest
		require.NoError(t, e.Close())
	}

	// the backing blob vanishes behind the engine's back
	require.NoError(t, os.Remove(filepath.Join(root, blobArea, blobKeyForDigest(loseD))))

	// and an alien blob appears, placed exactly where its digest maps
	adopted := rand.Bytes(256)
	adoptedD := mustDigest(t, adopted)
	adoptedPath := filepath.Join(root, blobArea, blobKeyForDigest(adoptedD))
	require.NoError(t, os.MkdirAll(filepath.Dir(adoptedPath), 0700))
	require.NoError(t, os.WriteFile(adoptedPath, adopted, 0600))

	e, _ := testEngineAt(t, root)

	_, res := placeTo(t, e, loseD, t.TempDir())
	require.Equal(t, model.NotPlacedContentNotFound, res.Code)

	got, res2 := placeTo(t, e, keepD, t.TempDir())
	require.True(t, res2.Succeeded())
	require.Equal(t, keep, got)

	got, res3 := placeTo(t, e, adoptedD, t.TempDir())
	require.True(t, res3.Succeeded())
	require.Equal(t, adopted, got)
}

func TestEngineConcurrentSameDigest(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	payload := rand.Bytes(8192)
	var wg sync.WaitGroup
	results := make([]model.PutResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Put(ctx, bytes.NewReader(payload), nil)
		}(i)
	}
	wg.Wait()

	dedups := 0
	for _, r := range results {
		require.True(t, r.Succeeded())
		if r.Deduplicated {
			dedups++
		}
	}
	require.Equal(t, len(results)-1, dedups)
	require.Equal(t, int64(1), e.Stats().Entries)
}

func TestEngineNotStarted(t *testing.T) {
	root := t.TempDir()
	e, err := New(root, Logger(dlogger.MustGetLogger(dlogger.LogLevelNone)))
	require.NoError(t, err)
	defer e.Close()

	res := e.Put(context.Background(), bytes.NewReader([]byte("x")), nil)
	require.Equal(t, model.ServerError, res.Code)
}

func TestBlobKeyRoundtrip(t *testing.T) {
	d := mustDigest(t, []byte("key me"))
	key := blobKeyForDigest(d)
	back, err := digestForBlobKey(key)
	require.NoError(t, err)
	require.True(t, d.Equal(back))

	_, err = digestForBlobKey("not/a/key")
	require.Error(t, err)
}
