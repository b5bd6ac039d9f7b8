package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/model"
)

const (
	manifestPrefix  = "MANIFEST-"
	currentFileName = "CURRENT"

	// CurrentVersion is the manifest format version.
	CurrentVersion = 1
)

var (
	ErrNotFound  = errors.New("manifest not found")
	ErrCorrupted = errors.New("corrupted manifest")
)

// Manifest describes the durable state of the engine at one commit.
type Manifest struct {
	Version      int                       `json:"version"`
	ID           uint64                    `json:"id"`
	CreatedAt    time.Time                 `json:"created_at"`
	Segments     []model.SegmentDescriptor `json:"segments"`
	DurableEpoch model.Epoch               `json:"durable_epoch"`
}

// New creates an empty manifest.
func New() *Manifest {
	return &Manifest{
		Version:   CurrentVersion,
		CreatedAt: time.Now(),
	}
}

// MaxEpoch returns the highest epoch covered by any segment.
func (m *Manifest) MaxEpoch() model.Epoch {
	var max model.Epoch
	for i := range m.Segments {
		if m.Segments[i].MaxEpoch > max {
			max = m.Segments[i].MaxEpoch
		}
	}
	return max
}

// Store manages manifest versions and the CURRENT pointer.
type Store struct {
	store blobstore.Store
	mu    sync.Mutex
}

// NewStore creates a manifest store over the given blob store.
func NewStore(store blobstore.Store) *Store {
	return &Store{store: store}
}

func versionFileName(id uint64) string {
	return fmt.Sprintf("%s%06d.json", manifestPrefix, id)
}

// Load returns the manifest named by the CURRENT pointer. ErrNotFound means
// no commit has happened yet.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pointer, err := s.store.Get(ctx, currentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	data, err := s.store.Get(ctx, string(pointer))
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", pointer, err)
	}

	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, m.Version)
	}
	return m, nil
}

// Commit writes m as a new version and flips the CURRENT pointer. The
// manifest's ID and creation time are assigned here.
func (s *Store) Commit(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++
	m.CreatedAt = time.Now()

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	filename := versionFileName(m.ID)
	if err := s.store.Put(ctx, filename, data); err != nil {
		return fmt.Errorf("write manifest %s: %w", filename, err)
	}
	if err := s.store.Put(ctx, currentFileName, []byte(filename)); err != nil {
		return fmt.Errorf("flip CURRENT: %w", err)
	}
	return nil
}

// Prune removes manifest versions older than the newest keep versions. The
// version named by CURRENT is never removed.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, manifestPrefix)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}

	current, err := s.store.Get(ctx, currentFileName)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}

	// List is sorted and version IDs are zero-padded, so the oldest come
	// first.
	for _, name := range names[:len(names)-keep] {
		if name == string(current) {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("prune manifest %s: %w", name, err)
		}
	}
	return nil
}
