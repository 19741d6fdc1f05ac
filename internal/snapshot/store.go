// Package snapshot serves market prices for backtest brackets from a
// first-write-wins store of self-observed prices, falling back to the venue's
// price history.
package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/rewired-gh/polyedge/internal/models"
)

// Store is an append-only snapshot store. PutIfAbsent never overwrites an
// existing key and reports whether snap was written.
type Store interface {
	Get(ctx context.Context, key models.PriceSnapshotKey) (models.PriceSnapshot, bool, error)
	PutIfAbsent(ctx context.Context, snap models.PriceSnapshot) (bool, error)
}

// Lister lists the snapshots recorded for one station and date, ordered by bracket id.
type Lister interface {
	Snapshots(ctx context.Context, date, station string) ([]models.PriceSnapshot, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	data map[models.PriceSnapshotKey]models.PriceSnapshot
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[models.PriceSnapshotKey]models.PriceSnapshot)}
}

func (m *MemoryStore) Get(_ context.Context, key models.PriceSnapshotKey) (models.PriceSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.data[key]
	return snap, ok, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, snap models.PriceSnapshot) (bool, error) {
	if err := snap.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[snap.PriceSnapshotKey]; exists {
		return false, nil
	}
	m.data[snap.PriceSnapshotKey] = snap
	return true, nil
}

func (m *MemoryStore) Snapshots(_ context.Context, date, station string) ([]models.PriceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PriceSnapshot
	for key, snap := range m.data {
		if key.Date == date && key.Station == station {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BracketID < out[j].BracketID })
	return out, nil
}

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
