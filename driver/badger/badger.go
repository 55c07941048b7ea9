package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gobeaver/metafs"
	"github.com/gobeaver/metafs/internal/recordfs"
)

// Key namespaces:
//
//	e:<path>                 entry metadata (JSON)
//	d:<path>                 file content (raw bytes)
//	c:<parent>\x00<name>     child index, empty value
const (
	prefixEntry = "e:"
	prefixData  = "d:"
	prefixChild = "c:"
)

func keyEntry(p string) []byte { return []byte(prefixEntry + p) }
func keyData(p string) []byte  { return []byte(prefixData + p) }

func keyChild(p string) []byte {
	return []byte(prefixChild + recordfs.Parent(p) + "\x00" + p[strings.LastIndex(p, "/")+1:])
}

func keyChildPrefix(dir string) []byte {
	return []byte(prefixChild + dir + "\x00")
}

// entry is the persisted form of a record without content.
type entry struct {
	IsDir       bool              `json:"is_dir,omitempty"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ModTime     time.Time         `json:"mtime"`
	Created     time.Time         `json:"ctime"`
}

// Store keeps records in a BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds configuration for the badger store
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps the whole database in memory.
	InMemory   bool
	DeleteMode metafs.DeleteMode
	// MaxFileSize rejects larger writes. Zero means no limit.
	MaxFileSize  int64
	PollInterval time.Duration
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Dir, err)
	}
	return &Store{db: db}, nil
}

// New opens the database and wraps it as a metafs.FileSystem.
func New(cfg Config) (*recordfs.FS, error) {
	store, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return recordfs.New(store,
		recordfs.WithDeleteMode(cfg.DeleteMode),
		recordfs.WithMaxFileSize(cfg.MaxFileSize),
		recordfs.WithPollInterval(cfg.PollInterval),
	), nil
}

func decodeEntry(p string, val []byte) (*recordfs.Record, error) {
	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("%w: corrupt entry %q: %v", metafs.ErrInvalidFormat, p, err)
	}
	return &recordfs.Record{
		Path:        p,
		IsDir:       e.IsDir,
		Size:        e.Size,
		ContentType: e.ContentType,
		Metadata:    e.Metadata,
		ModTime:     e.ModTime,
		Created:     e.Created,
	}, nil
}

func getEntry(txn *badger.Txn, p string, withData bool) (*recordfs.Record, error) {
	item, err := txn.Get(keyEntry(p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metafs.ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	var rec *recordfs.Record
	if err := item.Value(func(val []byte) error {
		rec, err = decodeEntry(p, val)
		return err
	}); err != nil {
		return nil, err
	}
	if withData && !rec.IsDir {
		item, err := txn.Get(keyData(p))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, err
		}
		if err == nil {
			if rec.Data, err = item.ValueCopy(nil); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// Get implements recordfs.Store
func (s *Store) Get(ctx context.Context, p string, withData bool) (*recordfs.Record, error) {
	var rec *recordfs.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getEntry(txn, p, withData)
		return err
	})
	return rec, err
}

func putEntry(txn *badger.Txn, r *recordfs.Record) error {
	val, err := json.Marshal(entry{
		IsDir:       r.IsDir,
		Size:        r.Size,
		ContentType: r.ContentType,
		Metadata:    r.Metadata,
		ModTime:     r.ModTime,
		Created:     r.Created,
	})
	if err != nil {
		return err
	}
	if err := txn.Set(keyEntry(r.Path), val); err != nil {
		return err
	}
	if err := txn.Set(keyChild(r.Path), nil); err != nil {
		return err
	}
	if r.IsDir {
		return nil
	}
	return txn.Set(keyData(r.Path), r.Data)
}

func deleteEntry(txn *badger.Txn, p string) error {
	for _, k := range [][]byte{keyEntry(p), keyData(p), keyChild(p)} {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Put implements recordfs.Store. All records are written in one
// transaction.
func (s *Store) Put(ctx context.Context, recs ...*recordfs.Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			if err := putEntry(txn, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Children implements recordfs.Store
func (s *Store) Children(ctx context.Context, dir string) ([]*recordfs.Record, error) {
	var out []*recordfs.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyChildPrefix(dir)

		it := txn.NewIterator(opts)
		defer it.Close()

		var names []string
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(opts.Prefix):]))
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := name
			if dir != "" {
				p = dir + "/" + name
			}
			rec, err := getEntry(txn, p, false)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// descendants lists paths strictly below dir, sorted so parents come first.
func descendants(txn *badger.Txn, dir string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = keyEntry(dir + "/")
	if dir == "" {
		opts.Prefix = []byte(prefixEntry)
	}

	it := txn.NewIterator(opts)
	defer it.Close()

	var paths []string
	for it.Rewind(); it.Valid(); it.Next() {
		paths = append(paths, string(it.Item().Key()[len(prefixEntry):]))
	}
	sort.Strings(paths)
	return paths
}

// Descendants implements recordfs.Store
func (s *Store) Descendants(ctx context.Context, dir string, withData bool) ([]*recordfs.Record, error) {
	var out []*recordfs.Record
	err := s.db.View(func(txn *badger.Txn) error {
		for _, p := range descendants(txn, dir) {
			rec, err := getEntry(txn, p, withData)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteTree implements recordfs.Store
func (s *Store) DeleteTree(ctx context.Context, p string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, d := range append(descendants(txn, p), p) {
			if err := deleteEntry(txn, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// RenameTree implements recordfs.Store. Large subtrees may exceed a
// single transaction and fail with badger.ErrTxnTooBig.
func (s *Store) RenameTree(ctx context.Context, src, dst string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range append([]string{src}, descendants(txn, src)...) {
			rec, err := getEntry(txn, p, true)
			if err != nil {
				return err
			}
			if err := deleteEntry(txn, p); err != nil {
				return err
			}
			rec.Path = dst + strings.TrimPrefix(p, src)
			if err := putEntry(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ recordfs.Store = (*Store)(nil)
