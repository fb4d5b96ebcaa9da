package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process block store with the same conditional
// update semantics as Repository. Safe for concurrent use. Intended for tests
// and local development.
type MemoryRepository struct {
	mu     sync.RWMutex
	blocks map[uuid.UUID]*Block
	now    func() time.Time
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		blocks: make(map[uuid.UUID]*Block),
		now:    time.Now,
	}
}

// Ping always succeeds.
func (m *MemoryRepository) Ping(_ context.Context) error { return nil }

// Put stores a copy of b as-is, flags included. Test fixtures use it to seed
// arbitrary states.
func (m *MemoryRepository) Put(b *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.ID] = b.Clone()
}

func (m *MemoryRepository) CreateBlock(_ context.Context, b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocks[b.ID]; ok {
		return fmt.Errorf("insert block: duplicate id %s", b.ID)
	}
	b.Notified = false
	b.NotifiedAt = nil
	b.EmailSent = false
	b.EmailSentAt = nil
	b.CreatedAt = m.now().UTC()
	m.blocks[b.ID] = b.Clone()
	return nil
}

func (m *MemoryRepository) GetBlock(_ context.Context, id uuid.UUID) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return b.Clone(), nil
}

func (m *MemoryRepository) ListBlocksByUser(_ context.Context, userID string, limit, offset int) ([]*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Block
	for _, b := range m.blocks {
		if b.UserID == userID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) FindCandidates(_ context.Context, from, to time.Time) ([]*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Block
	for _, b := range m.blocks {
		if b.Notified || b.UserEmail == nil {
			continue
		}
		if b.StartTime.Before(from) || b.StartTime.After(to) {
			continue
		}
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *MemoryRepository) GetUnnotifiedBlock(_ context.Context, id uuid.UUID) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[id]
	if !ok || b.Notified {
		return nil, nil
	}
	return b.Clone(), nil
}

func (m *MemoryRepository) ClaimBlock(_ context.Context, id uuid.UUID, at time.Time) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok || b.Notified {
		return nil, nil
	}
	b.Notified = true
	ts := at
	b.NotifiedAt = &ts
	return b.Clone(), nil
}

func (m *MemoryRepository) MarkEmailSent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok || !b.Notified {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.EmailSent = true
	ts := at
	b.EmailSentAt = &ts
	return nil
}

func (m *MemoryRepository) ReleaseClaim(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok || b.EmailSent {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	b.Notified = false
	b.NotifiedAt = nil
	return nil
}

func (m *MemoryRepository) ReleaseStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, b := range m.blocks {
		if !b.Notified || b.EmailSent || b.NotifiedAt == nil || !b.NotifiedAt.Before(cutoff) {
			continue
		}
		b.Notified = false
		b.NotifiedAt = nil
		n++
	}
	return n, nil
}

func (m *MemoryRepository) Reschedule(_ context.Context, id uuid.UUID, start, staleBefore time.Time) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if b.EmailSent {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDelivered, id)
	}
	if b.Notified && (b.NotifiedAt == nil || !b.NotifiedAt.Before(staleBefore)) {
		return nil, fmt.Errorf("%w: %s", ErrClaimInFlight, id)
	}
	b.StartTime = start
	b.Notified = false
	b.NotifiedAt = nil
	return b.Clone(), nil
}

func (m *MemoryRepository) SetRecipient(_ context.Context, id uuid.UUID, email string) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if b.Notified {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyNotified, id)
	}
	v := email
	b.UserEmail = &v
	return b.Clone(), nil
}
