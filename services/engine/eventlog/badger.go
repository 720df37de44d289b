// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// eventKeyPrefix namespaces event records inside the database.
var eventKeyPrefix = []byte("ev/")

// BadgerConfig holds configuration for the durable event log.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for a durable log at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerLog is a durable, append-only log backed by BadgerDB.
//
// Description:
//
//	Events are stored under 8-byte big-endian position keys, so a prefix
//	iteration yields them in append order. The next position is recovered
//	from the last key on open, which makes the log safe to reopen after a
//	crash: positions already handed out are never reused.
//
// Thread Safety: Safe for concurrent use. Position assignment is
// serialized under a mutex so appends are totally ordered.
type BadgerLog struct {
	db *badger.DB

	mu      sync.Mutex
	nextPos uint64
}

// OpenBadgerLog opens (or creates) a durable event log.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerLog - The opened log. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened.
func OpenBadgerLog(cfg BadgerConfig) (*BadgerLog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent event log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create event log directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event log database: %w", err)
	}

	l := &BadgerLog{db: db, nextPos: 1}
	if err := l.recoverPosition(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// recoverPosition scans for the highest existing key and resumes after it.
func (l *BadgerLog) recoverPosition() error {
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the end of the event keyspace, then step back.
		seek := append(append([]byte{}, eventKeyPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(eventKeyPrefix); it.Next() {
			key := it.Item().Key()
			l.nextPos = binary.BigEndian.Uint64(key[len(eventKeyPrefix):]) + 1
			return nil
		}
		return nil
	})
}

// Close closes the underlying database.
func (l *BadgerLog) Close() error {
	return l.db.Close()
}

func eventKey(pos uint64) []byte {
	key := make([]byte, len(eventKeyPrefix)+8)
	copy(key, eventKeyPrefix)
	binary.BigEndian.PutUint64(key[len(eventKeyPrefix):], pos)
	return key
}

// Append implements Log.
func (l *BadgerLog) Append(ctx context.Context, ev Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.nextPos
	stamp(&ev, pos)

	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(pos), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("append event at position %d: %w", pos, err)
	}

	l.nextPos = pos + 1
	return pos, nil
}

// ReadFrom implements Log.
func (l *BadgerLog) ReadFrom(ctx context.Context, pos uint64) ([]Event, error) {
	if pos == 0 {
		pos = 1
	}

	var out []Event
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(pos)); it.ValidForPrefix(eventKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSince implements Log.
//
// The scan is linear over the full log. Incremental audit normally tracks
// positions instead; ReadSince exists for the timestamp-based export
// contract.
func (l *BadgerLog) ReadSince(ctx context.Context, t time.Time) ([]Event, error) {
	all, err := l.ReadFrom(ctx, 1)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len implements Log.
func (l *BadgerLog) Len(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextPos - 1, nil
}
