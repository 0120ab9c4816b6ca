package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/engine"
	"github.com/hlogdb/hlogdb/lib/session"
)

// Session wraps session.Session with the bookkeeping needed to remove
// it from the owning Store's checkpoint session registry once
// disposed - session.Session itself has no notion of which store (or
// checkpoint coordinator) it belongs to - and to feed every op through
// the store's metrics.Recorder.
type Session struct {
	*session.Session
	store *Store
	id    uuid.UUID
}

// Read resolves key's current value, recording the op (and whether it
// found a live record) on the owning store's metrics.Recorder.
func (s *Session) Read(ctx context.Context, key []byte, onComplete func(value []byte, err error)) (value []byte, pending bool, err error) {
	val, pending, err := s.Session.Read(ctx, key, func(v []byte, cerr error) {
		s.store.metrics.ObserveRead(!errors.Is(cerr, engine.ErrNotFound))
		if onComplete != nil {
			onComplete(v, cerr)
		}
	})
	if !pending {
		s.store.metrics.ObserveRead(!errors.Is(err, engine.ErrNotFound))
	}
	return val, pending, err
}

// Upsert writes value for key, recording the op on the owning store's
// metrics.Recorder.
func (s *Session) Upsert(ctx context.Context, key, value []byte) error {
	err := s.Session.Upsert(ctx, key, value)
	s.store.metrics.ObserveUpsert()
	return err
}

// RMW applies a read-modify-write to key, recording the op on the
// owning store's metrics.Recorder.
func (s *Session) RMW(ctx context.Context, key, input []byte, onComplete func(error)) (pending bool, err error) {
	pending, err = s.Session.RMW(ctx, key, input, onComplete)
	s.store.metrics.ObserveRMW()
	return pending, err
}

// Delete appends a tombstone for key, recording the op on the owning
// store's metrics.Recorder.
func (s *Session) Delete(ctx context.Context, key []byte) error {
	err := s.Session.Delete(ctx, key)
	s.store.metrics.ObserveDelete()
	return err
}

// Dispose drains pending ops, releases the epoch slot, and removes
// this session from the store's checkpoint coordinator registry so a
// future checkpoint's WAIT_PENDING phase no longer waits on it.
func (s *Session) Dispose() error {
	err := s.Session.Dispose()
	s.store.coord.DeregisterSession(s.id)
	return err
}
