// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store implements the Session Store: durable key-value
// persistence of session records with two secondary indices realized as
// literal bbolt buckets (active-set, inactive-set), kept atomically
// consistent with the record bucket on every write.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

var (
	bucketSessions = []byte("sessions")
	bucketActive   = []byte("sessions:active")
	bucketInactive = []byte("sessions:inactive")
)

// Store is the session persistence contract.
type Store interface {
	Put(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error

	ListActive(ctx context.Context) ([]*model.Session, error)
	ListInactive(ctx context.Context) ([]*model.Session, error)
	ListAll(ctx context.Context) ([]*model.Session, error)

	CountActive(ctx context.Context) (int, error)
	CountInactive(ctx context.Context) (int, error)
	CountAll(ctx context.Context) (int, error)

	// SweepOrphans removes index entries whose referenced record no
	// longer exists in the sessions bucket.
	SweepOrphans(ctx context.Context) (int, error)

	Close() error
}

// BoltStore is the bbolt-backed implementation: one embedded database
// file holding durable session state, one write transaction per
// mutation.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and
// ensures the three buckets exist.
func Open(path string) (*BoltStore, error) {
	if path == "" {
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "store path required", nil)
	}

	dbPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		dbPath = filepath.Join(path, "sessions.db")
	} else if os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if derr := os.MkdirAll(dir, 0o750); derr != nil {
				return nil, controlerrors.New(controlerrors.StoreUnavailable, "create store directory", derr)
			}
		}
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "open store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketActive, bucketInactive} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "init buckets", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

// Put is an idempotent upsert that atomically recomputes index
// membership: a session is in exactly one of active/inactive after
// every successful Put.
func (b *BoltStore) Put(ctx context.Context, s *model.Session) error {
	if s == nil || s.ID == "" {
		return controlerrors.New(controlerrors.ValidationError, "session id required", nil)
	}
	val, err := json.Marshal(s)
	if err != nil {
		return controlerrors.New(controlerrors.StoreUnavailable, "marshal session", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(s.ID), val); err != nil {
			return err
		}
		active := s.IsActive()
		if active {
			if err := tx.Bucket(bucketActive).Put([]byte(s.ID), []byte{1}); err != nil {
				return err
			}
			return tx.Bucket(bucketInactive).Delete([]byte(s.ID))
		}
		if err := tx.Bucket(bucketInactive).Put([]byte(s.ID), []byte{1}); err != nil {
			return err
		}
		return tx.Bucket(bucketActive).Delete([]byte(s.ID))
	})
	if err != nil {
		return controlerrors.New(controlerrors.StoreUnavailable, "put session", err)
	}
	return nil
}

func (b *BoltStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var rec *model.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketSessions).Get([]byte(id))
		if val == nil {
			return nil
		}
		var s model.Session
		if err := json.Unmarshal(val, &s); err != nil {
			return err
		}
		rec = &s
		return nil
	})
	if err != nil {
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "get session", err)
	}
	return rec, nil
}

func (b *BoltStore) Exists(ctx context.Context, id string) (bool, error) {
	s, err := b.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

func (b *BoltStore) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketActive).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketInactive).Delete([]byte(id))
	})
	if err != nil {
		return controlerrors.New(controlerrors.StoreUnavailable, "delete session", err)
	}
	return nil
}

func (b *BoltStore) DeleteMany(ctx context.Context, ids []string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketActive).Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketInactive).Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return controlerrors.New(controlerrors.StoreUnavailable, "delete sessions batch", err)
	}
	return nil
}

func (b *BoltStore) listByIndex(bucket []byte) ([]*model.Session, error) {
	var out []*model.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucket)
		sess := tx.Bucket(bucketSessions)
		c := idx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			v := sess.Get(k)
			if v == nil {
				// Index entry with no backing record: lags a concurrent
				// delete. Readers tolerate this.
				continue
			}
			var s model.Session
			if err := json.Unmarshal(v, &s); err != nil {
				log.L().Warn().Str("id", string(k)).Err(err).Msg("store: corrupt session record skipped")
				continue
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "list sessions", err)
	}
	return out, nil
}

func (b *BoltStore) ListActive(ctx context.Context) ([]*model.Session, error) {
	return b.listByIndex(bucketActive)
}

func (b *BoltStore) ListInactive(ctx context.Context) ([]*model.Session, error) {
	return b.listByIndex(bucketInactive)
}

func (b *BoltStore) ListAll(ctx context.Context) ([]*model.Session, error) {
	var out []*model.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.Session
			if err := json.Unmarshal(v, &s); err != nil {
				log.L().Warn().Str("id", string(k)).Err(err).Msg("store: corrupt session record skipped")
				continue
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, controlerrors.New(controlerrors.StoreUnavailable, "list all sessions", err)
	}
	return out, nil
}

func (b *BoltStore) CountActive(ctx context.Context) (int, error) {
	return b.countBucket(bucketActive)
}

func (b *BoltStore) CountInactive(ctx context.Context) (int, error) {
	return b.countBucket(bucketInactive)
}

func (b *BoltStore) CountAll(ctx context.Context) (int, error) {
	return b.countBucket(bucketSessions)
}

func (b *BoltStore) countBucket(bucket []byte) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, controlerrors.New(controlerrors.StoreUnavailable, "count", err)
	}
	return n, nil
}

// SweepOrphans removes active/inactive index entries whose referenced
// record no longer exists.
func (b *BoltStore) SweepOrphans(ctx context.Context) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		sess := tx.Bucket(bucketSessions)
		for _, bucket := range [][]byte{bucketActive, bucketInactive} {
			idx := tx.Bucket(bucket)
			var orphans [][]byte
			c := idx.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if sess.Get(k) == nil {
					orphans = append(orphans, append([]byte(nil), k...))
				}
			}
			for _, k := range orphans {
				if err := idx.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, controlerrors.New(controlerrors.StoreUnavailable, "sweep orphans", err)
	}
	return removed, nil
}
