package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/alimasry/go-collab-history/history"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites makes every append durable before it returns.
	SyncWrites bool `yaml:"sync_writes"`

	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger `yaml:"-"`
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is an embedded, on-disk implementation of HistoryStore.
//
// Keys:
//
//	doc/<docID>              marks a document as present
//	hist/<docID>/<seq>       CBOR-encoded history.Entry, seq zero-padded
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if needed) a BadgerStore.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger store: path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Document ids are path-escaped in keys so no id can contain the
// separator and one document's prefix never covers another's.
func docKey(docID string) []byte {
	return []byte("doc/" + url.PathEscape(docID))
}

func histPrefix(docID string) []byte {
	return []byte("hist/" + url.PathEscape(docID) + "/")
}

func histKey(docID string, seq int) []byte {
	return append(histPrefix(docID), zeroPad(seq)...)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) AppendEntry(_ context.Context, docID string, entry history.Entry, seq int) error {
	if entry.State != history.StateClosed {
		return fmt.Errorf("append %q to %q: %w", entry.ID, docID, ErrOpenEntry)
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", entry.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if seq < 0 {
			return fmt.Errorf("append to %q at %d: %w", docID, seq, ErrInvalidSeq)
		}
		if seq > 0 {
			ok, err := exists(txn, histKey(docID, seq-1))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("append to %q at %d: %w", docID, seq, ErrInvalidSeq)
			}
		}
		taken, err := exists(txn, histKey(docID, seq))
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("append to %q at %d: %w", docID, seq, ErrInvalidSeq)
		}
		if err := txn.Set(docKey(docID), nil); err != nil {
			return err
		}
		return txn.Set(histKey(docID, seq), data)
	})
}

func (s *BadgerStore) GetEntries(_ context.Context, docID string, fromSeq int) ([]history.Entry, error) {
	var entries []history.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := exists(txn, docKey(docID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("document %q: %w", docID, ErrNotFound)
		}
		if fromSeq < 0 {
			return fmt.Errorf("read %q from %d: %w", docID, fromSeq, ErrInvalidSeq)
		}
		if fromSeq > 0 {
			ok, err := exists(txn, histKey(docID, fromSeq-1))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("read %q from %d: %w", docID, fromSeq, ErrInvalidSeq)
			}
		}

		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: histPrefix(docID)})
		defer it.Close()
		for it.Seek(histKey(docID, fromSeq)); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode entry of %q: %w", docID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BadgerStore) ListDocuments(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("doc/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := url.PathUnescape(strings.TrimPrefix(string(it.Item().Key()), "doc/"))
			if err != nil {
				return fmt.Errorf("decode document key %q: %w", it.Item().Key(), err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}
