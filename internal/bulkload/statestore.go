package bulkload

import (
	"bytes"
	"context"
	"sync"

	"github.com/dreamware/bulkload/internal/errors"
	"github.com/dreamware/bulkload/internal/storage"
)

var errWritePending = errors.New(errors.ErrBusy, "write pending for path")

// StateStore is the typed client the controller uses for its workflow
// records. Every operation is idempotent so a failed call can be re-issued
// unchanged.
type StateStore struct {
	store storage.Store

	mu      sync.Mutex
	pending map[storage.Path]bool
}

func NewStateStore(store storage.Store) *StateStore {
	return &StateStore{
		store:   store,
		pending: make(map[storage.Path]bool),
	}
}

// CreateRecursive creates p and any missing ancestor (ancestors get an
// empty value). An existing node holding exactly value counts as success;
// an existing node holding anything else is an ErrInconsistentState error.
func (s *StateStore) CreateRecursive(ctx context.Context, p storage.Path, value []byte) error {
	for _, a := range p.Ancestors() {
		err := s.store.Create(ctx, a, nil)
		if err != nil && !errors.Is(err, errors.ErrNodeExists) {
			return errors.Wrapf(err, "creating %s", a)
		}
	}
	err := s.store.Create(ctx, p, value)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.ErrNodeExists) {
		return errors.Wrapf(err, "creating %s", p)
	}
	existing, err := s.store.Get(ctx, p)
	if err != nil {
		return errors.Wrapf(err, "reading existing %s", p)
	}
	if !bytes.Equal(existing, value) {
		return errors.Newf(errors.ErrInconsistentState, "%s exists with different content", p)
	}
	return nil
}

// Set overwrites an existing node. Concurrent Sets of one path are
// rejected with ErrBusy rather than raced.
func (s *StateStore) Set(ctx context.Context, p storage.Path, value []byte) error {
	s.mu.Lock()
	if s.pending[p] {
		s.mu.Unlock()
		return errors.WithMessagef(errWritePending, "%s", p)
	}
	s.pending[p] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, p)
		s.mu.Unlock()
	}()
	return s.store.Set(ctx, p, value)
}

func (s *StateStore) Get(ctx context.Context, p storage.Path) ([]byte, error) {
	return s.store.Get(ctx, p)
}

// DeleteRecursive removes p and its subtree. A missing node is success.
func (s *StateStore) DeleteRecursive(ctx context.Context, p storage.Path) error {
	err := s.store.Delete(ctx, p, true)
	if err != nil && !errors.Is(err, errors.ErrNodeNotFound) {
		return err
	}
	return nil
}

// List returns the child names of p.
func (s *StateStore) List(ctx context.Context, p storage.Path) ([]string, error) {
	return s.store.Children(ctx, p)
}

func (s *StateStore) getApp(ctx context.Context, l Layout, appID int32) (AppRecord, error) {
	data, err := s.Get(ctx, l.App(appID))
	if err != nil {
		return AppRecord{}, err
	}
	return decodeAppRecord(data)
}
