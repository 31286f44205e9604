package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// claimAttempts bounds retries of a conflicting insert-if-absent.
const claimAttempts = 3

const keyPrefix = "msg/"

// BadgerConfig contains settings specific to BadgerDB.
type BadgerConfig struct {
	// Dir is the storage directory. Empty runs the database in memory.
	Dir string
	// TTL expires stored messages. Zero keeps them forever, which is what
	// makes deduplication hold for the lifetime of the store.
	TTL time.Duration
}

// Badger is a Store backed by the BadgerDB embedded database.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

var (
	_ Store   = (*Badger)(nil)
	_ Claimer = (*Badger)(nil)
)

// NewBadger opens the database. It is up to the caller to Close it.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	return &Badger{
		db:  db,
		ttl: cfg.TTL,
		now: time.Now,
	}, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *Badger) Has(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up message %q: %w", id, err)
	}
	return found, nil
}

func (s *Badger) Add(_ context.Context, msg *email.Message) error {
	val, err := s.encode(msg)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(s.entry(msg.ID, val))
	})
	if err != nil {
		return fmt.Errorf("failed to store message %q: %w", msg.ID, err)
	}
	return nil
}

// Claim inserts msg only if its key is absent. Concurrent claims of the same
// key conflict at commit; the loser retries and then finds the key.
func (s *Badger) Claim(_ context.Context, msg *email.Message) (bool, error) {
	val, err := s.encode(msg)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		var claimed bool
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key(msg.ID))
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			claimed = true
			return txn.SetEntry(s.entry(msg.ID, val))
		})
		if errors.Is(err, badger.ErrConflict) {
			slog.Debug("message store claim conflicted, retrying",
				"message_id", msg.ID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim message %q: %w", msg.ID, err)
		}
		return claimed, nil
	}
	return false, fmt.Errorf("failed to claim message %q: %w", msg.ID, err)
}

func (s *Badger) Get(_ context.Context, id string) (*email.Message, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		// values are only valid inside the transaction
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %q: %w", id, err)
	}

	var rec record
	if _, err := rec.UnmarshalMsg(val); err != nil {
		return nil, fmt.Errorf("failed to decode message %q: %w", id, err)
	}
	return rec.message(), nil
}

// Cleanup runs BadgerDB's value log garbage collection. Expired records are
// only reclaimed here.
func (s *Badger) Cleanup() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close tears down the database connection.
func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) encode(msg *email.Message) ([]byte, error) {
	val, err := newRecord(msg, s.now()).MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %q: %w", msg.ID, err)
	}
	return val, nil
}

func (s *Badger) entry(id string, val []byte) *badger.Entry {
	e := badger.NewEntry(key(id), val)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}
