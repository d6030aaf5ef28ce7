// Package settings persists per-guild bot settings.
//
// Settings are small JSON documents in a key-value store, one per
// (guild, name) pair. The store also provides whole-database backup and
// restore streams, which back the bot's backup command.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-json-experiment/json"
)

// Names of settings the bot itself reads. Commands may record others.
const (
	Welcome  = "welcome"
	Links    = "links"
	Lockdown = "lockdown"
)

// Store is a settings store backed by a key-value database.
type Store struct {
	db *badger.DB
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

/*
Key structure:
Guild × \x00 × Name
Guild IDs never contain NUL on any platform we speak to, so the separator
is unambiguous.
*/

func key(guild, name string) []byte {
	k := make([]byte, 0, len(guild)+1+len(name))
	k = append(k, guild...)
	k = append(k, 0)
	k = append(k, name...)
	return k
}

// Set records a setting for a guild. The value must be JSON-marshalable.
func (s *Store) Set(ctx context.Context, guild, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("couldn't encode setting %s: %w", name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(guild, name), b)
	})
	if err != nil {
		return fmt.Errorf("couldn't save setting %s: %w", name, err)
	}
	return nil
}

// Get reads a setting for a guild into v. The result reports whether the
// setting was recorded; if it wasn't, v is unmodified and the error is nil.
func (s *Store) Get(ctx context.Context, guild, name string, v any) (bool, error) {
	var b []byte
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(key(guild, name))
		if err != nil {
			return err
		}
		b, err = it.ValueCopy(nil)
		return err
	})
	switch {
	case err == nil: // do nothing
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("couldn't read setting %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("couldn't decode setting %s: %w", name, err)
	}
	return true, nil
}

// Delete removes a setting for a guild. Removing a setting that was never
// recorded is not an error.
func (s *Store) Delete(ctx context.Context, guild, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(guild, name))
	})
	if err != nil {
		return fmt.Errorf("couldn't delete setting %s: %w", name, err)
	}
	return nil
}

// Names lists the settings recorded for a guild.
func (s *Store) Names(ctx context.Context, guild string) ([]string, error) {
	var r []string
	pfx := key(guild, "")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pfx
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(pfx); it.Next() {
			k := it.Item().Key()
			r = append(r, string(k[len(pfx):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't list settings: %w", err)
	}
	return r, nil
}

// Backup streams a backup of every guild's settings to w. since is the
// version returned by a previous backup, or zero for a full backup. The
// result is the version to pass to a future incremental backup.
func (s *Store) Backup(ctx context.Context, w io.Writer, since uint64) (uint64, error) {
	v, err := s.db.Backup(w, since)
	if err != nil {
		return 0, fmt.Errorf("couldn't back up settings: %w", err)
	}
	return v, nil
}

// Restore loads a backup stream produced by Backup.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	if err := s.db.Load(r, 16); err != nil {
		return fmt.Errorf("couldn't restore settings: %w", err)
	}
	return nil
}
