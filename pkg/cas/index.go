package cas

import (
	"time"

	"github.com/cascached/cascached/pkg/cas/status"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// entryIndex abstracts what the engine expects from the durable
// digest -> entry index.
type entryIndex interface {
	// Get an entry; the boolean reports presence
	Get(d digest.Digest) (model.Entry, bool, error)
	// Set upserts an entry
	Set(e model.Entry) error
	// Delete an entry; deleting an absent entry is not an error
	Delete(d digest.Digest) error
	// Walk visits every entry
	Walk(fn func(model.Entry) error) error
	// Close the index
	Close() error
}

type badgerIndex struct {
	db *badger.DB
}

var _ entryIndex = &badgerIndex{}

// openIndex opens the badger-backed index, retrying for a short while:
// a previous incarnation of the process may still hold the directory
// lock during rolling restarts.
func openIndex(pth string, l *zap.Logger) (entryIndex, error) {
	opts := badger.DefaultOptions(pth).
		WithLogger(&badgerLogs{l: l.Sugar().Named("index")})

	var db *badger.DB
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		var e error
		db, e = badger.Open(opts)
		return e
	}, bo)
	if err != nil {
		return nil, status.ErrIndexOpen.WrapWithLog(l, err, zap.String("path", pth))
	}
	return &badgerIndex{db: db}, nil
}

func (b *badgerIndex) Get(d digest.Digest) (model.Entry, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(d.String()))
		if e != nil {
			return e
		}
		value, e = item.ValueCopy(nil)
		return e
	})
	if err == badger.ErrKeyNotFound {
		return model.Entry{}, false, nil
	}
	if err != nil {
		return model.Entry{}, false, status.ErrIndexAccess.Wrap(err)
	}
	entry, err := model.UnmarshalEntry(value)
	if err != nil {
		return model.Entry{}, false, status.ErrIndexAccess.Wrap(err)
	}
	return entry, true, nil
}

func (b *badgerIndex) Set(e model.Entry) error {
	value, err := model.MarshalEntry(e)
	if err != nil {
		return status.ErrIndexAccess.Wrap(err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(e.Digest.String()), value)
	})
	if err != nil {
		return status.ErrIndexAccess.Wrap(err)
	}
	return nil
}

func (b *badgerIndex) Delete(d digest.Digest) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(d.String()))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return status.ErrIndexAccess.Wrap(err)
	}
	return nil
}

func (b *badgerIndex) Walk(fn func(model.Entry) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchSize: 256, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			value, e := it.Item().ValueCopy(nil)
			if e != nil {
				return e
			}
			entry, e := model.UnmarshalEntry(value)
			if e != nil {
				return e
			}
			if e := fn(entry); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return status.ErrIndexAccess.Wrap(err)
	}
	return nil
}

func (b *badgerIndex) Close() error {
	return b.db.Close()
}

// badgerLogs adapts zap to the badger logging interface
type badgerLogs struct {
	l *zap.SugaredLogger
}

func (b *badgerLogs) Errorf(format string, args ...interface{}) {
	b.l.Errorf(format, args...)
}

func (b *badgerLogs) Warningf(format string, args ...interface{}) {
	b.l.Warnf(format, args...)
}

func (b *badgerLogs) Infof(format string, args ...interface{}) {
	b.l.Debugf(format, args...)
}

func (b *badgerLogs) Debugf(format string, args ...interface{}) {
	b.l.Debugf(format, args...)
}
