package blobstore

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/replikativ/proximum/internal/errs"
)

const rootKeyPrefix = "root:"

// Badger is a durable BlobStore backed by an embedded LSM store, following
// haivivi-giztoy's pkg/kv.Badger wrapper shape (db.View/db.Update +
// txn.Get/Set/Delete, prefix iteration, a logger adapter that silences
// badger's chatty debug/info output).
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures a Badger-backed BlobStore.
type BadgerOptions struct {
	Dir      string
	InMemory bool
}

// OpenBadger opens (creating if necessary) a durable blob store at
// opts.Dir, or an in-memory instance when opts.InMemory is set (used by
// tests that want Badger's real transaction semantics without touching
// disk).
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(quietLogger{})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errs.IO(fmt.Errorf("failed to open blob store: %w", err))
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.IO(fmt.Errorf("blob store get failed: %w", err))
	}
	return out, true, nil
}

func (b *Badger) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errs.IO(fmt.Errorf("blob store put failed: %w", err))
	}
	return nil
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return errs.IO(fmt.Errorf("blob store delete failed: %w", err))
	}
	return nil
}

func (b *Badger) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errs.IO(fmt.Errorf("blob store list failed: %w", err))
	}
	return out, nil
}

func (b *Badger) GetRoot(ctx context.Context, root string) ([]byte, bool, error) {
	return b.Get(ctx, rootKeyPrefix+root)
}

func (b *Badger) ListRoots(ctx context.Context) ([]string, error) {
	keys, err := b.List(ctx, rootKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, rootKeyPrefix)
	}
	return out, nil
}

// CASRoot is the single write path through which branch heads move (spec
// §4.6 step 7): a transaction reads the current root value, rejects on
// mismatch, otherwise writes/deletes next. Badger transactions already
// detect concurrent conflicts on the same key at commit time, so this is
// safe under concurrent Sync calls targeting the same branch.
func (b *Badger) CASRoot(_ context.Context, root string, expected, next []byte) (bool, error) {
	key := []byte(rootKeyPrefix + root)
	ok := true
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			if expected != nil {
				ok = false
				return nil
			}
		case err != nil:
			return err
		default:
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if expected == nil || string(cur) != string(expected) {
				ok = false
				return nil
			}
		}
		if next == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, next)
	})
	if err != nil {
		return false, errs.IO(fmt.Errorf("blob store root CAS failed: %w", err))
	}
	return ok, nil
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return errs.IO(fmt.Errorf("failed to close blob store: %w", err))
	}
	return nil
}

var _ BlobStore = (*Badger)(nil)

// quietLogger routes badger's Errorf/Warningf through the standard logger
// and discards Infof/Debugf, matching haivivi-giztoy's defaultLogger intent
// of keeping an embedded store's log output out of a host application's way.
type quietLogger struct{}

func (quietLogger) Errorf(format string, args ...interface{}) {
	log.Printf("blobstore: "+strings.TrimSuffix(format, "\n"), args...)
}
func (quietLogger) Warningf(format string, args ...interface{}) {
	log.Printf("blobstore: "+strings.TrimSuffix(format, "\n"), args...)
}
func (quietLogger) Infof(string, ...interface{})  {}
func (quietLogger) Debugf(string, ...interface{}) {}
