package persist

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	Key      string
	InMemory bool
}

// BadgerStore keeps the blob under one key of an embedded badger database.
type BadgerStore struct {
	db       *badger.DB
	key      []byte
	location string
}

// OpenBadgerStore opens (or creates) the database.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	location := "badger:memory"
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("badger store path cannot be empty")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path)
		location = "badger:" + opts.Path
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = "query-cache"
	}
	return &BadgerStore{
		db:       db,
		key:      []byte("snapshot/" + key),
		location: location + "#" + key,
	}, nil
}

// Location identifies the database and key.
func (s *BadgerStore) Location() string {
	return s.location
}

// Load reads the blob.
func (s *BadgerStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, readError(s, err)
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, readError(s, err)
	}
	return data, nil
}

// Save overwrites the blob.
func (s *BadgerStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return writeError(s, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
	if err != nil {
		return writeError(s, err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
