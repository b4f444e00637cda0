package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/facelock/internal/observability"
)

type Op string

const (
	OpInsert Op = "insert"
	OpRename Op = "rename"
	OpRemove Op = "remove"
)

// Change describes a single mutation being committed. Whole-file backends can
// ignore it and write the next snapshot; row-oriented backends apply it.
type Change struct {
	Op       Op
	Label    string
	NewLabel string
	Identity Identity
}

// Backend is the durable storage behind a Store.
type Backend interface {
	// Load returns every persisted identity. A backend with nothing persisted
	// yet returns an empty slice and no error.
	Load(ctx context.Context) ([]Identity, error)

	// Commit durably applies change. next is the full store contents after the
	// change. The mutation is not visible to readers until Commit returns nil.
	Commit(ctx context.Context, change Change, next []Identity) error
}

// ImageStore keeps the representative image of each identity.
type ImageStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, key string) error
}

// Snapshot is an immutable view of the store. Callers must not modify the
// identities or embeddings it returns.
type Snapshot struct {
	version    uint64
	identities []Identity
	index      map[string]int
}

func newSnapshot(version uint64, identities []Identity) *Snapshot {
	index := make(map[string]int, len(identities))
	for i, id := range identities {
		index[id.Label] = i
	}
	return &Snapshot{version: version, identities: identities, index: index}
}

// Version increases by one with every committed mutation.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Len() int { return len(s.identities) }

// All returns the identities in store order.
func (s *Snapshot) All() []Identity { return s.identities }

func (s *Snapshot) Get(label string) (Identity, bool) {
	i, ok := s.index[label]
	if !ok {
		return Identity{}, false
	}
	return s.identities[i], true
}

func (s *Snapshot) Has(label string) bool {
	_, ok := s.index[label]
	return ok
}

// Dim returns the embedding dimension of the store, or 0 when empty.
func (s *Snapshot) Dim() int {
	if len(s.identities) == 0 {
		return 0
	}
	return len(s.identities[0].Embedding)
}

// Store is the process-wide enrollment database. Readers take lock-free
// snapshots; writers are serialized and every mutation is committed to the
// backend before it becomes visible.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	backend Backend
	images  ImageStore
	now     func() time.Time
}

// NewStore creates an empty store. images may be nil, in which case
// representative images are not kept.
func NewStore(backend Backend, images ImageStore) *Store {
	s := &Store{backend: backend, images: images, now: time.Now}
	s.current.Store(newSnapshot(0, nil))
	return s
}

// Load replaces the in-memory contents with what the backend holds.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}

	seen := make(map[string]bool, len(loaded))
	for _, id := range loaded {
		if seen[id.Label] {
			return fmt.Errorf("load identities: %w: %q", ErrDuplicateLabel, id.Label)
		}
		seen[id.Label] = true
	}

	s.current.Store(newSnapshot(s.current.Load().version+1, loaded))
	observability.KnownIdentities.Set(float64(len(loaded)))
	slog.Info("identity store loaded", "identities", len(loaded))
	return nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// All returns every identity in store order.
func (s *Store) All() []Identity {
	return s.Snapshot().All()
}

func (s *Store) Get(label string) (Identity, bool) {
	return s.Snapshot().Get(label)
}

// Insert enrolls a new identity. image is the JPEG-encoded representative
// crop and may be nil.
func (s *Store) Insert(ctx context.Context, label string, embedding []float32, image []byte) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur.Has(label) {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, label)
	}
	if dim := cur.Dim(); dim != 0 && dim != len(embedding) {
		return fmt.Errorf("%w: got %d, store has %d", ErrDimensionMismatch, len(embedding), dim)
	}

	now := s.now()
	id := Identity{
		Label:     label,
		Embedding: append([]float32(nil), embedding...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if image != nil && s.images != nil {
		key := ImageKeyFor(label)
		if err := s.images.Put(ctx, key, image); err != nil {
			observability.StoreMutations.WithLabelValues(string(OpInsert), "error").Inc()
			return fmt.Errorf("store image for %q: %w", label, err)
		}
		id.ImageKey = key
	}

	next := make([]Identity, 0, cur.Len()+1)
	next = append(next, cur.All()...)
	next = append(next, id)

	if err := s.commit(ctx, Change{Op: OpInsert, Label: label, Identity: id}, cur, next); err != nil {
		if id.ImageKey != "" {
			if derr := s.images.Delete(ctx, id.ImageKey); derr != nil {
				slog.Warn("remove orphaned image", "key", id.ImageKey, "error", derr)
			}
		}
		return err
	}
	return nil
}

// Rename atomically moves an identity and its image to a new label. On any
// failure the store is left unchanged.
func (s *Store) Rename(ctx context.Context, oldLabel, newLabel string) error {
	if err := ValidateLabel(newLabel); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	idx, ok := cur.index[oldLabel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldLabel)
	}
	if cur.Has(newLabel) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, newLabel)
	}

	renamed := cur.identities[idx]
	oldKey := renamed.ImageKey
	renamed.Label = newLabel
	renamed.UpdatedAt = s.now()

	if oldKey != "" && s.images != nil {
		newKey := ImageKeyFor(newLabel)
		if err := s.images.Move(ctx, oldKey, newKey); err != nil {
			observability.StoreMutations.WithLabelValues(string(OpRename), "error").Inc()
			return fmt.Errorf("move image %s: %w", oldKey, err)
		}
		renamed.ImageKey = newKey
	}

	next := make([]Identity, cur.Len())
	copy(next, cur.All())
	next[idx] = renamed

	change := Change{Op: OpRename, Label: oldLabel, NewLabel: newLabel, Identity: renamed}
	if err := s.commit(ctx, change, cur, next); err != nil {
		if renamed.ImageKey != oldKey {
			if merr := s.images.Move(ctx, renamed.ImageKey, oldKey); merr != nil {
				slog.Error("restore image after failed rename", "from", renamed.ImageKey, "to", oldKey, "error", merr)
			}
		}
		return err
	}

	slog.Info("identity renamed", "from", oldLabel, "to", newLabel)
	return nil
}

// Remove deletes an identity. The image is removed after the commit; a
// failure there only leaves an orphaned file behind.
func (s *Store) Remove(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	idx, ok := cur.index[label]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	removed := cur.identities[idx]

	next := make([]Identity, 0, cur.Len()-1)
	next = append(next, cur.identities[:idx]...)
	next = append(next, cur.identities[idx+1:]...)

	if err := s.commit(ctx, Change{Op: OpRemove, Label: label, Identity: removed}, cur, next); err != nil {
		return err
	}

	if removed.ImageKey != "" && s.images != nil {
		if err := s.images.Delete(ctx, removed.ImageKey); err != nil {
			slog.Warn("delete identity image", "label", label, "error", err)
		}
	}
	slog.Info("identity removed", "label", label)
	return nil
}

// Image returns the representative image of label.
func (s *Store) Image(ctx context.Context, label string) ([]byte, error) {
	id, ok := s.Get(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	if id.ImageKey == "" || s.images == nil {
		return nil, ErrNoImage
	}
	return s.images.Get(ctx, id.ImageKey)
}

// commit persists next and publishes it. Must be called with s.mu held.
func (s *Store) commit(ctx context.Context, change Change, cur *Snapshot, next []Identity) error {
	if err := s.backend.Commit(ctx, change, next); err != nil {
		observability.StoreMutations.WithLabelValues(string(change.Op), "error").Inc()
		slog.Error("identity store commit failed", "op", change.Op, "label", change.Label, "error", err)
		return fmt.Errorf("%w: %s %q: %w", ErrPersist, change.Op, change.Label, err)
	}
	s.current.Store(newSnapshot(cur.version+1, next))
	observability.StoreMutations.WithLabelValues(string(change.Op), "ok").Inc()
	observability.KnownIdentities.Set(float64(len(next)))
	return nil
}

// IsConflict reports whether err is a label conflict rather than a storage
// failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateLabel) || errors.Is(err, ErrAlreadyExists)
}
