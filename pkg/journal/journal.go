// Package journal records every operation the server has seen until it is
// settled, so a restart can find operations that were left pending on the
// ledger and close them.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

var ErrNotFound = errors.New("journal: entry not found")

// Status is the server-side view of an operation.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSettled  Status = "SETTLED"
	StatusRefunded Status = "REFUNDED"
	StatusFailed   Status = "FAILED"
)

// Entry is one journaled operation.
type Entry struct {
	OpHash    common.Hash
	Kind      ledger.Kind
	Name      string
	Requester common.Address
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal is the durable interface for operation tracking.
type Journal interface {
	// Open records a newly observed operation. Re-opening a known hash is a no-op.
	Open(ctx context.Context, e Entry) error
	Get(ctx context.Context, op common.Hash) (Entry, error)
	// RecordAttempt bumps the attempt counter of a pending entry.
	RecordAttempt(ctx context.Context, op common.Hash, lastErr string) error
	// Close moves an entry to a terminal status.
	Close(ctx context.Context, op common.Hash, status Status) error
	// ListStale returns pending entries created before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time) ([]Entry, error)
}

// MemoryJournal is a thread-safe in-memory Journal.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[common.Hash]*Entry
	now     func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[common.Hash]*Entry), now: time.Now}
}

func (j *MemoryJournal) Open(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[e.OpHash]; ok {
		return nil
	}
	now := j.now().UTC()
	e.Status = StatusPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	j.entries[e.OpHash] = &e
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, op common.Hash) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[op]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

func (j *MemoryJournal) RecordAttempt(_ context.Context, op common.Hash, lastErr string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[op]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.LastError = lastErr
	e.UpdatedAt = j.now().UTC()
	return nil
}

func (j *MemoryJournal) Close(_ context.Context, op common.Hash, status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[op]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = j.now().UTC()
	return nil
}

func (j *MemoryJournal) ListStale(_ context.Context, cutoff time.Time) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range j.entries {
		if e.Status == StatusPending && e.CreatedAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
