// Package pebble stores the server list in a Pebble key-value store, one key
// per row in list order.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	pebblepkg "github.com/cockroachdb/pebble"

	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/store"
)

// Keyspace prefixes.
const (
	keyRowPrefix = "row/" // row/<big-endian uint64 position>
)

func keyRow(pos uint64) []byte {
	b := make([]byte, len(keyRowPrefix)+8)
	copy(b, keyRowPrefix)
	binary.BigEndian.PutUint64(b[len(keyRowPrefix):], pos)
	return b
}

func keyRowLower() []byte { return []byte(keyRowPrefix) }

func keyRowUpper() []byte { return append([]byte(keyRowPrefix), 0xFF) }

type DB struct {
	mu     sync.RWMutex
	db     *pebblepkg.DB
	closed bool
}

var _ store.Store = (*DB)(nil)

// Open opens (or creates) a Pebble DB in dir.
func Open(dir string) (*DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("pebble dir is empty")
	}
	dir = filepath.Clean(dir)
	pdb, err := pebblepkg.Open(dir, &pebblepkg.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &DB{db: pdb}, nil
}

func (d *DB) Load(ctx context.Context) ([]model.ServerRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	iter, err := d.db.NewIter(&pebblepkg.IterOptions{
		LowerBound: keyRowLower(),
		UpperBound: keyRowUpper(),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	out := make([]model.ServerRow, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var row model.ServerRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return nil, fmt.Errorf("pebble decode row %x: %w", iter.Key(), err)
		}
		out = append(out, row)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter rows: %w", err)
	}
	return out, nil
}

// Save replaces every row in one synced batch.
func (d *DB) Save(ctx context.Context, rows []model.ServerRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	batch := d.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(keyRowLower(), keyRowUpper(), nil); err != nil {
		return fmt.Errorf("pebble batch delete rows: %w", err)
	}
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("pebble encode row %q: %w", row.ID, err)
		}
		if err := batch.Set(keyRow(uint64(i)), b, nil); err != nil {
			return fmt.Errorf("pebble batch set row: %w", err)
		}
	}
	if err := batch.Commit(pebblepkg.Sync); err != nil {
		return fmt.Errorf("pebble batch commit rows: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.db == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	return d.db.Close()
}
