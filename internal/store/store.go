// Package store defines persistence of the server list.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/John-Robertt/subimport/internal/model"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("store: closed")

// Store persists the whole server list as one ordered sequence.
//
// Implementations are safe for concurrent use, but Load followed by Save is
// not atomic: callers that read-modify-write must serialize themselves.
type Store interface {
	// Load returns the persisted list, or an empty slice if nothing has been
	// saved yet.
	Load(ctx context.Context) ([]model.ServerRow, error)
	// Save replaces the persisted list.
	Save(ctx context.Context, rows []model.ServerRow) error
	Close() error
}

// Memory keeps the list in process memory.
type Memory struct {
	mu     sync.RWMutex
	rows   []model.ServerRow
	closed bool
}

var _ Store = (*Memory)(nil)

func NewMemory(rows ...model.ServerRow) *Memory {
	return &Memory{rows: append([]model.ServerRow(nil), rows...)}
}

func (m *Memory) Load(ctx context.Context) ([]model.ServerRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append(make([]model.ServerRow, 0, len(m.rows)), m.rows...), nil
}

func (m *Memory) Save(ctx context.Context, rows []model.ServerRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rows = append(make([]model.ServerRow, 0, len(rows)), rows...)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
