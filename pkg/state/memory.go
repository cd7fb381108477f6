package state

import (
	"context"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
)

// MemoryStore keeps run state in memory. It is used when persistence is
// disabled and in tests. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	root       string
	opts       Options
	state      *ProcessingState
	checkpoint *Checkpoint
	saves      int
}

// NewMemoryStore creates an empty in-memory store for root.
func NewMemoryStore(root string, opts Options) *MemoryStore {
	return &MemoryStore{root: root, opts: opts}
}

// Save stores a copy of st.
func (m *MemoryStore) Save(ctx context.Context, st *ProcessingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = st.Clone()
	m.saves++

	return nil
}

// Load returns a copy of the stored state, or nil when none was saved.
func (m *MemoryStore) Load(ctx context.Context) (*ProcessingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil, nil
	}

	return m.state.Clone(), nil
}

// SaveCheckpoint stores a content-free checkpoint of st and buckets.
func (m *MemoryStore) SaveCheckpoint(ctx context.Context, st *ProcessingState, buckets []*bucket.Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoint = &Checkpoint{
		Version:   CheckpointVersion,
		RunID:     m.opts.RunID,
		Root:      m.root,
		Plan:      m.opts.Plan,
		State:     *st.Clone(),
		Buckets:   recordBuckets(buckets),
		Timestamp: time.Now().UTC(),
	}

	return nil
}

// LoadCheckpoint restores the stored checkpoint through reader, or returns
// nil, nil when none was saved.
func (m *MemoryStore) LoadCheckpoint(ctx context.Context, reader ItemReader) (*Restored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cp := m.checkpoint
	m.mu.Unlock()

	if cp == nil {
		return nil, nil
	}

	return restore(ctx, cp, reader), nil
}

// Clear drops all stored state.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = nil
	m.checkpoint = nil

	return nil
}

// Saves returns how many times Save has been called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saves
}
