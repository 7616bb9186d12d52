// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memlog is a single-process, in-memory stand-in for the
// Managed Log collaborator. The dispatch core never owns persistence,
// so this package exists purely to exercise the dispatchers, producer
// pipeline and compactor in tests and in the cmd/broker-core demo
// harness against something that behaves like a real ledger:
// sequential positions, durable cursors, mark-delete, replay and
// termination.
package memlog

import (
	"context"
	"sync"

	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
)

// Log is an in-memory Managed Log backed by a single ledger.
type Log struct {
	ledgerID int64

	mu         sync.Mutex
	entries    [][]byte // raw wire.EncodeEntry bytes, indexed by entryID
	terminated bool
	deleted    bool
	notify     chan struct{} // closed and replaced on every Append/terminate

	cursors map[string]*Cursor
}

// New returns an empty in-memory log on ledger ledgerID.
func New(ledgerID int64) *Log {
	return &Log{
		ledgerID: ledgerID,
		notify:   make(chan struct{}),
		cursors:  make(map[string]*Cursor),
	}
}

var _ managedlog.Log = (*Log)(nil)

// ID returns the ledger id this Log represents, the identity the
// two-phase compactor records in a
// CompactedTopicLedger cursor property once a compaction run completes.
func (l *Log) ID() int64 { return l.ledgerID }

// Delete discards every entry and marks the ledger unusable. The
// compactor calls this on a freshly created ledger when a compaction
// run fails partway through.
func (l *Log) Delete(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = true
	l.entries = nil
	return nil
}

func (l *Log) Append(_ context.Context, data []byte) (managedlog.AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.deleted {
		return managedlog.AppendResult{}, managedlog.ErrPersistence
	}
	if l.terminated {
		return managedlog.AppendResult{}, managedlog.ErrTopicTerminated
	}

	entryID := int64(len(l.entries))
	l.entries = append(l.entries, data)
	close(l.notify)
	l.notify = make(chan struct{})

	return managedlog.AppendResult{Position: wire.Position{LedgerID: l.ledgerID, EntryID: entryID}}, nil
}

// Terminate marks the log terminated: no further appends are accepted
// and readers past the backlog get ErrNoMoreEntriesToRead.
func (l *Log) Terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = true
	close(l.notify)
	l.notify = make(chan struct{})
}

func (l *Log) Terminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

func (l *Log) LastPosition(_ context.Context) (wire.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return wire.Position{LedgerID: l.ledgerID, EntryID: -1}, nil
	}
	return wire.Position{LedgerID: l.ledgerID, EntryID: int64(len(l.entries)) - 1}, nil
}

func (l *Log) OpenCursor(_ context.Context, name string) (managedlog.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.cursors[name]; ok {
		return c, nil
	}
	c := &Cursor{
		name:          name,
		log:           l,
		markDelete:    wire.Position{LedgerID: l.ledgerID, EntryID: -1},
		nextReadEntry: 0,
		properties:    map[string]string{},
	}
	l.cursors[name] = c
	return c, nil
}

func (l *Log) waitForEntries(ctx context.Context, sinceLen int) error {
	for {
		l.mu.Lock()
		ch := l.notify
		haveMore := len(l.entries) > sinceLen
		terminated := l.terminated
		l.mu.Unlock()

		if haveMore || terminated {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Log) entryAt(entryID int64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entryID < 0 || entryID >= int64(len(l.entries)) {
		return nil, false
	}
	return l.entries[entryID], true
}

func (l *Log) length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cursor is the in-memory Cursor implementation over a Log.
type Cursor struct {
	name string
	log  *Log

	mu            sync.Mutex
	nextReadEntry int64
	markDelete    wire.Position
	properties    map[string]string
	active        bool
	closed        bool
	cancelFlag    bool
	deletedIDs    map[int64]struct{} // individually deleted entries, skipped rather than decoded on read
}

var _ managedlog.Cursor = (*Cursor)(nil)

func (c *Cursor) Name() string { return c.name }

func (c *Cursor) AsyncReadEntriesOrWait(ctx context.Context, n int, cb managedlog.ReadCallback) {
	go func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cb(nil, managedlog.ErrCursorAlreadyClosed)
			return
		}
		start := c.nextReadEntry
		c.cancelFlag = false
		c.mu.Unlock()

		if err := c.log.waitForEntries(ctx, int(start)); err != nil {
			cb(nil, err)
			return
		}

		c.mu.Lock()
		if c.cancelFlag || c.closed {
			c.mu.Unlock()
			return
		}
		start = c.nextReadEntry
		total := c.log.length()
		end := start + int64(n)
		if end > int64(total) {
			end = int64(total)
		}
		deleted := make(map[int64]struct{}, len(c.deletedIDs))
		for id := range c.deletedIDs {
			deleted[id] = struct{}{}
		}
		c.mu.Unlock()

		if start >= end {
			if c.log.Terminated() {
				cb(nil, managedlog.ErrNoMoreEntriesToRead)
				return
			}
			cb(nil, nil)
			return
		}

		var entries []*wire.Entry
		for id := start; id < end; id++ {
			if _, skip := deleted[id]; skip {
				continue
			}
			raw, ok := c.log.entryAt(id)
			if !ok {
				break
			}
			pos := wire.Position{LedgerID: c.log.ledgerID, EntryID: id}
			e, err := wire.DecodeEntry(pos, raw, true)
			if err != nil {
				cb(nil, err)
				return
			}
			entries = append(entries, e)
		}

		c.mu.Lock()
		c.nextReadEntry = end
		c.mu.Unlock()

		cb(entries, nil)
	}()
}

func (c *Cursor) AsyncReplayEntries(_ context.Context, positions []wire.Position, cb managedlog.ReplayCallback) {
	go func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cb(nil, nil, managedlog.ErrCursorAlreadyClosed)
			return
		}
		markDelete := c.markDelete
		c.mu.Unlock()

		var entries []*wire.Entry
		var deleted []wire.Position
		for _, pos := range positions {
			if pos.LessEqual(markDelete) {
				deleted = append(deleted, pos)
				continue
			}
			raw, ok := c.log.entryAt(pos.EntryID)
			if !ok {
				cb(nil, nil, managedlog.ErrInvalidReplayPosition)
				return
			}
			e, err := wire.DecodeEntry(pos, raw, true)
			if err != nil {
				cb(nil, nil, err)
				return
			}
			entries = append(entries, e)
		}
		cb(entries, deleted, nil)
	}()
}

func (c *Cursor) AsyncDelete(_ context.Context, pos wire.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return managedlog.ErrCursorAlreadyClosed
	}
	// Non-cumulative delete: this reference implementation doesn't
	// compact deleted positions out of the ledger, but it does record
	// them so a future read skips re-decoding them -- the mechanism the
	// replicator's poison-entry policy relies on to move past an
	// undecodable entry instead of looping on it forever.
	if pos.LedgerID != c.log.ledgerID {
		return nil
	}
	if c.deletedIDs == nil {
		c.deletedIDs = make(map[int64]struct{})
	}
	c.deletedIDs[pos.EntryID] = struct{}{}
	return nil
}

func (c *Cursor) AsyncMarkDelete(_ context.Context, pos wire.Position, properties map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return managedlog.ErrCursorAlreadyClosed
	}
	if c.markDelete.Less(pos) {
		c.markDelete = pos
	}
	if properties != nil {
		c.properties = properties
	}
	return nil
}

func (c *Cursor) MarkDeletedPosition() wire.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markDelete
}

func (c *Cursor) Properties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

func (c *Cursor) Rewind(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return managedlog.ErrCursorAlreadyClosed
	}
	c.nextReadEntry = c.markDelete.EntryID + 1
	return nil
}

func (c *Cursor) Seek(_ context.Context, pos wire.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return managedlog.ErrCursorAlreadyClosed
	}
	c.nextReadEntry = pos.EntryID
	return nil
}

func (c *Cursor) CancelPendingReadRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFlag = true
	return true
}

func (c *Cursor) SetActive()          { c.mu.Lock(); c.active = true; c.mu.Unlock() }
func (c *Cursor) SetInactive()        { c.mu.Lock(); c.active = false; c.mu.Unlock() }
func (c *Cursor) IsActiveCursor() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.active }

func (c *Cursor) HasBacklog() bool {
	total := c.log.length()
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(total) > c.markDelete.EntryID+1
}

func (c *Cursor) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
