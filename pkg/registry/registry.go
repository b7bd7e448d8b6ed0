// Package registry is the backend's mirror of published functions.
//
// The Registry contract is authoritative for ownership, price and
// availability. The mirror adds what the backend needs to route and bill a
// call (timeout, developer fee, artifact digest) and is kept eventually
// consistent by the server orchestrator.
package registry

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotFound = errors.New("registry: function not found")

// Function is one mirrored record.
type Function struct {
	Name           string         `json:"name"`
	Owner          common.Address `json:"owner"`
	Description    string         `json:"description,omitempty"`
	Usage          string         `json:"usage,omitempty"`
	Params         string         `json:"params,omitempty"`
	Entry          string         `json:"entry"`
	Price          *big.Int       `json:"price"`
	DevFee         *big.Int       `json:"dev_fee"`
	Timeout        time.Duration  `json:"timeout"`
	ArtifactDigest string         `json:"artifact_digest"`
	Version        string         `json:"version,omitempty"`
	Available      bool           `json:"available"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (f *Function) clone() *Function {
	cp := *f
	if f.Price != nil {
		cp.Price = new(big.Int).Set(f.Price)
	}
	if f.DevFee != nil {
		cp.DevFee = new(big.Int).Set(f.DevFee)
	}
	return &cp
}

// Store persists mirrored records.
type Store interface {
	// Put inserts or replaces the record for f.Name.
	Put(ctx context.Context, f *Function) error
	Get(ctx context.Context, name string) (*Function, error)
	// MarkUnavailable clears the available flag.
	MarkUnavailable(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	// List returns all records ordered by name.
	List(ctx context.Context) ([]*Function, error)
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	funcs map[string]*Function
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{funcs: make(map[string]*Function), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, f *Function) error {
	if f == nil || f.Name == "" {
		return errors.New("registry: function name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f.clone()
	cp.UpdatedAt = s.now().UTC()
	s.funcs[f.Name] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funcs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return f.clone(), nil
}

func (s *MemoryStore) MarkUnavailable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.funcs[name]
	if !ok {
		return ErrNotFound
	}
	f.Available = false
	f.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funcs[name]; !ok {
		return ErrNotFound
	}
	delete(s.funcs, name)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Function, 0, len(s.funcs))
	for _, f := range s.funcs {
		out = append(out, f.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
