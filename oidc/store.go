package oidc

import (
	"context"
	"fmt"
	"sync"
)

// PersistentMap is the abstract persistence collaborator: a durable map of
// string keys to the package's own serialized Snapshot form. Implementations
// only need plain map semantics; change streams are derived by the Store,
// which is the sole writer.
type PersistentMap interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	Contains(ctx context.Context, key string) (bool, error)
	Entries(ctx context.Context) (map[string]string, error)
}

// Store is the observable snapshot store. All mutation paths (Create, Set,
// Update, Delete) and the GetForState scan share one mutex per store
// instance, so transforms never race each other and scans never observe a
// half-applied write.
type Store struct {
	mu       sync.Mutex
	persist  PersistentMap
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	ch chan *Snapshot
}

// NewStore creates a Store over the given persistence collaborator.
func NewStore(persist PersistentMap) (*Store, error) {
	const op = "oidc.NewStore"
	if persist == nil {
		return nil, fmt.Errorf("%s: persistent map is nil: %w", op, ErrNilParameter)
	}
	return &Store{
		persist:  persist,
		watchers: make(map[string]map[*watcher]struct{}),
	}, nil
}

// Get returns the snapshot for key, reporting absence via the bool. Loading
// a snapshot persisted under an older schema version upgrades and re-writes
// it in place.
func (s *Store) Get(ctx context.Context, key string) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, key)
}

func (s *Store) getLocked(ctx context.Context, key string) (*Snapshot, bool, error) {
	const op = "Store.Get"
	raw, ok, err := s.persist.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%s: unable to read %q: %w", op, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	snap, upgraded, err := decodeSnapshot(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%s: unable to decode %q: %w", op, key, err)
	}
	if upgraded {
		encoded, err := encodeSnapshot(snap)
		if err != nil {
			return nil, false, fmt.Errorf("%s: unable to encode migrated %q: %w", op, key, err)
		}
		if err := s.persist.Set(ctx, key, encoded); err != nil {
			return nil, false, fmt.Errorf("%s: unable to persist migrated %q: %w", op, key, err)
		}
	}
	return &snap, true, nil
}

// GetForState scans all persisted entries for a snapshot whose in-flight
// flow state matches state. It recovers the owning client when a flow's
// initiation and response are handled in decoupled contexts, e.g. after a
// process restart between launching the browser and receiving its redirect.
func (s *Store) GetForState(ctx context.Context, state string) (*Snapshot, bool, error) {
	const op = "Store.GetForState"
	if state == "" {
		return nil, false, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.persist.Entries(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%s: unable to list entries: %w", op, err)
	}
	for _, raw := range entries {
		snap, _, err := decodeSnapshot(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%s: unable to decode entry: %w", op, err)
		}
		if snap.FlowState != nil && snap.FlowState.State() == state {
			return &snap, true, nil
		}
	}
	return nil, false, nil
}

// Create persists an initial snapshot, failing with ErrAlreadyExists when
// the key is taken. This is the registry's single-creation primitive.
func (s *Store) Create(ctx context.Context, key string, snap Snapshot) error {
	const op = "Store.Create"
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.persist.Contains(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: unable to check %q: %w", op, key, err)
	}
	if ok {
		return fmt.Errorf("%s: %q: %w", op, key, ErrAlreadyExists)
	}
	return s.setLocked(ctx, key, snap)
}

// Set replaces the snapshot for key wholesale. Writing a structurally equal
// value is a no-op, so observers never see duplicate emissions.
func (s *Store) Set(ctx context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok, err := s.getLocked(ctx, key)
	if err != nil {
		return err
	}
	if ok && snap.Equal(*current) {
		return nil
	}
	return s.setLocked(ctx, key, snap)
}

func (s *Store) setLocked(ctx context.Context, key string, snap Snapshot) error {
	const op = "Store.Set"
	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%s: unable to encode %q: %w", op, key, err)
	}
	if err := s.persist.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("%s: unable to persist %q: %w", op, key, err)
	}
	s.notifyLocked(key, &snap)
	return nil
}

// Update applies transform under the store mutex: read latest, transform,
// write. It is the only mutation primitive Clients and flows use. Updating
// a key that has no snapshot is a programming error and panics, because a
// snapshot always exists before any client operates on it.
func (s *Store) Update(ctx context.Context, key string, transform func(Snapshot) Snapshot) (Snapshot, error) {
	const op = "Store.Update"
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.getLocked(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		panic(fmt.Sprintf("%s: no snapshot for key %q", op, key))
	}

	next := transform(current.Clone())
	if next.Equal(*current) {
		return next, nil
	}
	if err := s.setLocked(ctx, key, next); err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	return next, nil
}

// Delete removes the snapshot for key, reporting whether anything was
// removed. Observers of the key receive a nil emission.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "Store.Delete"
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.persist.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%s: unable to delete %q: %w", op, key, err)
	}
	if removed {
		s.notifyLocked(key, nil)
	}
	return removed, nil
}

// Exists reports whether a snapshot is persisted under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	const op = "Store.Exists"
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.persist.Contains(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%s: unable to check %q: %w", op, key, err)
	}
	return ok, nil
}

// Observe returns a change stream for key. The current value (nil when the
// key is absent) is replayed immediately; subsequent emissions follow write
// order, and a slow receiver only ever misses intermediate values, never
// the latest one. The stream closes when ctx is done.
func (s *Store) Observe(ctx context.Context, key string) (<-chan *Snapshot, error) {
	const op = "Store.Observe"
	s.mu.Lock()

	current, _, err := s.getLocked(ctx, key)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	w := &watcher{ch: make(chan *Snapshot, 1)}
	w.ch <- current
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*watcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if set, ok := s.watchers[key]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(s.watchers, key)
			}
		}
		s.mu.Unlock()
		close(w.ch)
	}()

	return w.ch, nil
}

// notifyLocked pushes the new value to every watcher of key. Each watcher
// channel holds at most one pending value; an unconsumed stale value is
// replaced so the writer never blocks and the latest value always wins.
func (s *Store) notifyLocked(key string, snap *Snapshot) {
	for w := range s.watchers[key] {
		var emit *Snapshot
		if snap != nil {
			cp := snap.Clone()
			emit = &cp
		}
		select {
		case <-w.ch:
		default:
		}
		w.ch <- emit
	}
}
