// Package boltstore is the default store.Store driver: sessions and messages
// as JSON documents in a single bbolt file.
//
// Layout:
//
//	sessions            id → session JSON
//	messages            id → message JSON
//	messages_by_session session_id 0x00 message_id → empty
//
// bbolt serialises writers, so every Update* call is a single read-modify-
// write transaction and stage leases are acquired atomically.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var (
	bucketSessions  = []byte("sessions")
	bucketMessages  = []byte("messages")
	bucketBySession = []byte("messages_by_session")
)

// Store implements store.Store on bbolt.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the bbolt file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketMessages, bucketBySession} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "boltstore")}, nil
}

// ---- sessions ---------------------------------------------------------------

func (s *Store) FindSessions(ctx context.Context, sc scope.Scope, q store.SessionQuery) ([]*types.Session, error) {
	var out []*types.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sc.Matches(sess.RuntimeTag) && q.Match(&sess) {
				out = append(out, &sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: find sessions: %w", err)
	}
	store.SortSessions(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetSession(_ context.Context, sc scope.Scope, id string) (*types.Session, error) {
	var sess *types.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		sess, err = s.loadSession(tx, sc, id)
		return err
	})
	return sess, err
}

func (s *Store) PutSession(_ context.Context, sess *types.Session) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("boltstore: marshal session %s: %w", sess.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), val)
	})
}

func (s *Store) UpdateSession(_ context.Context, sc scope.Scope, id string, fn func(*types.Session) error) (*types.Session, error) {
	var sess *types.Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if sess, err = s.loadSession(tx, sc, id); err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		val, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("boltstore: marshal session %s: %w", id, err)
		}
		return tx.Bucket(bucketSessions).Put([]byte(id), val)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) loadSession(tx *bbolt.Tx, sc scope.Scope, id string) (*types.Session, error) {
	val := tx.Bucket(bucketSessions).Get([]byte(id))
	if val == nil {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}
	var sess types.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("boltstore: decode session %s: %w", id, err)
	}
	if !sc.Matches(sess.RuntimeTag) {
		return nil, store.Mismatch(s.logger, sc, "session", id, sess.RuntimeTag)
	}
	return &sess, nil
}

// ---- messages ---------------------------------------------------------------

func (s *Store) FindMessages(ctx context.Context, sc scope.Scope, q store.MessageQuery) ([]*types.Message, error) {
	var out []*types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scanMessages(ctx, tx, q, func(m *types.Message) {
			if sc.Matches(m.RuntimeTag) && q.Match(m) {
				out = append(out, m)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: find messages: %w", err)
	}
	types.SortMessages(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, sc scope.Scope, q store.MessageQuery) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scanMessages(ctx, tx, q, func(m *types.Message) {
			if sc.Matches(m.RuntimeTag) && q.Match(m) {
				n++
			}
		})
	})
	if err != nil {
		return 0, fmt.Errorf("boltstore: count messages: %w", err)
	}
	return n, nil
}

// scanMessages walks the session index when q names a session and the full
// bucket otherwise.
func (s *Store) scanMessages(ctx context.Context, tx *bbolt.Tx, q store.MessageQuery, fn func(*types.Message)) error {
	msgs := tx.Bucket(bucketMessages)
	decode := func(v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var m types.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		fn(&m)
		return nil
	}

	if q.SessionID == "" {
		return msgs.ForEach(func(_, v []byte) error { return decode(v) })
	}

	prefix := sessionPrefix(q.SessionID)
	c := tx.Bucket(bucketBySession).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		v := msgs.Get(k[len(prefix):])
		if v == nil {
			continue
		}
		if err := decode(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, sc scope.Scope, id string) (*types.Message, error) {
	var msg *types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = s.loadMessage(tx, sc, id)
		return err
	})
	return msg, err
}

func (s *Store) PutMessage(_ context.Context, m *types.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if prev := tx.Bucket(bucketMessages).Get([]byte(m.ID)); prev != nil {
			var old types.Message
			if err := json.Unmarshal(prev, &old); err == nil && old.SessionID != m.SessionID {
				if err := tx.Bucket(bucketBySession).Delete(indexKey(old.SessionID, old.ID)); err != nil {
					return err
				}
			}
		}
		return putMessage(tx, m)
	})
}

func (s *Store) UpdateMessage(_ context.Context, sc scope.Scope, id string, fn func(*types.Message) error) (*types.Message, error) {
	var msg *types.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if msg, err = s.loadMessage(tx, sc, id); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		return putMessage(tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) UpdateMessages(_ context.Context, sc scope.Scope, ids []string, fn func(*types.Message) error) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			val := tx.Bucket(bucketMessages).Get([]byte(id))
			if val == nil {
				continue
			}
			var m types.Message
			if err := json.Unmarshal(val, &m); err != nil {
				return fmt.Errorf("boltstore: decode message %s: %w", id, err)
			}
			if !sc.Matches(m.RuntimeTag) {
				continue
			}
			if err := fn(&m); errors.Is(err, store.ErrSkip) {
				continue
			} else if err != nil {
				return err
			}
			if err := putMessage(tx, &m); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) loadMessage(tx *bbolt.Tx, sc scope.Scope, id string) (*types.Message, error) {
	val := tx.Bucket(bucketMessages).Get([]byte(id))
	if val == nil {
		return nil, fmt.Errorf("%w: message %s", store.ErrNotFound, id)
	}
	var m types.Message
	if err := json.Unmarshal(val, &m); err != nil {
		return nil, fmt.Errorf("boltstore: decode message %s: %w", id, err)
	}
	if !sc.Matches(m.RuntimeTag) {
		return nil, store.Mismatch(s.logger, sc, "message", id, m.RuntimeTag)
	}
	return &m, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- helpers ----------------------------------------------------------------

func putMessage(tx *bbolt.Tx, m *types.Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("boltstore: marshal message %s: %w", m.ID, err)
	}
	if err := tx.Bucket(bucketMessages).Put([]byte(m.ID), val); err != nil {
		return err
	}
	return tx.Bucket(bucketBySession).Put(indexKey(m.SessionID, m.ID), []byte{})
}

func sessionPrefix(sessionID string) []byte {
	return append([]byte(sessionID), 0)
}

func indexKey(sessionID, msgID string) []byte {
	return append(sessionPrefix(sessionID), msgID...)
}
