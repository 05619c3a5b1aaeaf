// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// DefaultJournalPath is where operations are journaled unless configured otherwise.
const DefaultJournalPath = "/var/lib/minios-kernel/journal.db"

// OperationKind names what an operation does.
type OperationKind string

const (
	OpPackage    OperationKind = "package"
	OpActivate   OperationKind = "activate"
	OpDelete     OperationKind = "delete"
	OpRegenerate OperationKind = "regenerate"
)

// Operation is the journal entry of one mutating operation.
type Operation struct {
	ID         string        `json:"id"`
	Kind       OperationKind `json:"kind"`
	Version    string        `json:"version,omitempty"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"startedAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	Error      string        `json:"error,omitempty"`
	Generation uint64        `json:"generation,omitempty"`

	seq uint64
}

// Journal keeps a history of operations, so that an operation killed
// half-way can be recognized on the next start.
type Journal interface {
	// Begin records a new operation in state Idle.
	Begin(kind OperationKind, version string) (*Operation, error)
	// Update stores the current content of op.
	Update(op *Operation) error
	// Recent returns up to n operations, newest first.
	Recent(n int) ([]Operation, error)
	// Unfinished returns the operations not in a terminal state.
	Unfinished() ([]Operation, error)
	Close() error
}

var operationsBucket = []byte("operations")

type boltJournal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (Journal, error) {
	j, err := openBoltJournal(path, false)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func openBoltJournal(path string, readOnly bool) (*boltJournal, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("Could not create journal directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("Could not open journal %s: %w", path, err)
	}
	if readOnly {
		return &boltJournal{db: db}, nil
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(operationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Could not initialize journal %s: %w", path, err)
	}
	return &boltJournal{db: db}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (j *boltJournal) Begin(kind OperationKind, version string) (*Operation, error) {
	now := time.Now().UTC()
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Version:   version,
		State:     StateIdle,
		StartedAt: now,
		UpdatedAt: now,
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(operationsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		op.seq = seq
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return nil, fmt.Errorf("Could not journal operation: %w", err)
	}
	return op, nil
}

func (j *boltJournal) Update(op *Operation) error {
	op.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(operationsBucket).Put(seqKey(op.seq), data)
	})
}

func (j *boltJournal) Recent(n int) ([]Operation, error) {
	var ops []Operation
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(operationsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(ops) < n); k, v = c.Prev() {
			op, err := decodeOperation(k, v)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}

func (j *boltJournal) Unfinished() ([]Operation, error) {
	var ops []Operation
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(operationsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			op, err := decodeOperation(k, v)
			if err != nil {
				return err
			}
			if !op.State.Terminal() {
				ops = append(ops, op)
			}
			return nil
		})
	})
	return ops, err
}

func (j *boltJournal) Close() error {
	return j.db.Close()
}

func decodeOperation(k, v []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(v, &op); err != nil {
		return op, fmt.Errorf("Could not decode journal entry %x: %w", k, err)
	}
	op.seq = binary.BigEndian.Uint64(k)
	return op, nil
}

// lazyJournal opens the database at path on first use. Reading the history
// opens it read-only, so commands that only look never hold the exclusive
// lock a mutating operation needs.
type lazyJournal struct {
	path string

	mu       sync.Mutex
	j        *boltJournal
	readOnly bool
}

// LazyJournal returns a journal kept at path that is opened only when used.
// A missing database reads as an empty history.
func LazyJournal(path string) Journal {
	return &lazyJournal{path: path}
}

func (l *lazyJournal) open(write bool) (*boltJournal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.j != nil && (!l.readOnly || !write) {
		return l.j, nil
	}
	if l.j != nil {
		if err := l.j.Close(); err != nil {
			return nil, err
		}
		l.j = nil
	}
	if !write {
		if _, err := os.Stat(l.path); os.IsNotExist(err) {
			return nil, nil
		}
	}
	j, err := openBoltJournal(l.path, !write)
	if err != nil {
		return nil, err
	}
	l.j, l.readOnly = j, !write
	return j, nil
}

func (l *lazyJournal) Begin(kind OperationKind, version string) (*Operation, error) {
	j, err := l.open(true)
	if err != nil {
		return nil, err
	}
	return j.Begin(kind, version)
}

func (l *lazyJournal) Update(op *Operation) error {
	j, err := l.open(true)
	if err != nil {
		return err
	}
	return j.Update(op)
}

func (l *lazyJournal) Recent(n int) ([]Operation, error) {
	j, err := l.open(false)
	if err != nil || j == nil {
		return nil, err
	}
	return j.Recent(n)
}

func (l *lazyJournal) Unfinished() ([]Operation, error) {
	j, err := l.open(false)
	if err != nil || j == nil {
		return nil, err
	}
	return j.Unfinished()
}

func (l *lazyJournal) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.j == nil {
		return nil
	}
	err := l.j.Close()
	l.j = nil
	return err
}

// nopJournal is used when journaling is disabled.
type nopJournal struct{}

// NopJournal returns a journal that remembers nothing.
func NopJournal() Journal { return nopJournal{} }

func (nopJournal) Begin(kind OperationKind, version string) (*Operation, error) {
	now := time.Now().UTC()
	return &Operation{ID: uuid.NewString(), Kind: kind, Version: version, State: StateIdle, StartedAt: now, UpdatedAt: now}, nil
}

func (nopJournal) Update(op *Operation) error {
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (nopJournal) Recent(int) ([]Operation, error) { return nil, nil }

func (nopJournal) Unfinished() ([]Operation, error) { return nil, nil }

func (nopJournal) Close() error { return nil }
