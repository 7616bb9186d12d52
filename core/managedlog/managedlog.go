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

// Package managedlog defines the collaborator contract this module's
// dispatchers, producer pipeline and compactor are built against: an
// append-only ledger with durable cursors. It is modeled here as
// interfaces only; persistence, replication and storage-tier placement
// are someone else's problem.
package managedlog

import (
	"context"
	"errors"

	"github.com/pepper-iot/pulsar-broker-core/core/wire"
)

// Error taxonomy surfaced by a Managed Log / Cursor.
var (
	// ErrTopicTerminated is returned by Append once the topic has been
	// administratively terminated; no further appends are accepted.
	ErrTopicTerminated = errors.New("managedlog: topic terminated")

	// ErrTooManyRequests is a transient error: the caller should retry
	// with exponential backoff.
	ErrTooManyRequests = errors.New("managedlog: too many requests")

	// ErrNoMoreEntriesToRead is a clean EOF on the current backlog.
	ErrNoMoreEntriesToRead = errors.New("managedlog: no more entries to read")

	// ErrInvalidReplayPosition is returned by ReplayEntries when a
	// requested position falls at or below the cursor's mark-delete
	// position; callers must purge it from their replay set.
	ErrInvalidReplayPosition = errors.New("managedlog: invalid replay position")

	// ErrCursorAlreadyClosed is returned by any Cursor operation after
	// Close; the replicator dispatcher tears down its producer on this
	// error.
	ErrCursorAlreadyClosed = errors.New("managedlog: cursor already closed")

	// ErrPersistence is a generic transient append failure; the
	// publisher is expected to retry with the same sequence id.
	ErrPersistence = errors.New("managedlog: persistence error")
)

// AppendResult is returned by a successful Append.
type AppendResult struct {
	Position wire.Position
}

// Appender is the write side of a Managed Log.
type Appender interface {
	// Append persists data and returns its position. Returns
	// ErrTopicTerminated or ErrPersistence on failure.
	Append(ctx context.Context, data []byte) (AppendResult, error)
}

// CursorOpener opens or retrieves named, durable cursors over the log.
type CursorOpener interface {
	// OpenCursor returns the named cursor, creating it (positioned at
	// the configured subscription initial position) if it doesn't
	// already exist.
	OpenCursor(ctx context.Context, name string) (Cursor, error)
}

// Log is the full collaborator surface a Topic depends on.
type Log interface {
	Appender
	CursorOpener
	// LastPosition returns the highest position currently in the log,
	// used by the compactor's first pass to bound its scan.
	LastPosition(ctx context.Context) (wire.Position, error)
	// Terminated reports whether the topic has been administratively
	// terminated.
	Terminated() bool
}

// ReadCallback receives the result of an asynchronous read. err is one
// of the sentinel errors above, or nil.
type ReadCallback func(entries []*wire.Entry, err error)

// ReplayCallback receives the result of an asynchronous replay read.
// deleted holds the subset of the requested positions that the cursor
// discovered were already mark-deleted, which the caller must
// therefore prune from its replay set.
type ReplayCallback func(entries []*wire.Entry, deleted []wire.Position, err error)

// Cursor is a per-subscription pointer into the Managed Log supporting
// reads, replays, mark-delete and attached properties.
type Cursor interface {
	// Name returns the subscription name this cursor belongs to.
	Name() string

	// AsyncReadEntriesOrWait requests up to n entries, forward from the
	// cursor's current read position, invoking cb on a cursor-executor
	// goroutine when the read completes (or fails).
	AsyncReadEntriesOrWait(ctx context.Context, n int, cb ReadCallback)

	// AsyncReplayEntries re-reads specific positions (redelivery), with
	// cb reporting which of them were already deleted.
	AsyncReplayEntries(ctx context.Context, positions []wire.Position, cb ReplayCallback)

	// AsyncDelete deletes a single position without advancing the
	// mark-delete position, used by the replicator dispatcher since
	// forwarding order may not match log order.
	AsyncDelete(ctx context.Context, pos wire.Position) error

	// AsyncMarkDelete advances the cumulative mark-delete position to
	// pos and atomically stores properties alongside it, used by dedup
	// snapshots and compaction pointers.
	AsyncMarkDelete(ctx context.Context, pos wire.Position, properties map[string]string) error

	// MarkDeletedPosition returns the cursor's current mark-delete
	// position.
	MarkDeletedPosition() wire.Position

	// Properties returns the properties most recently stored via
	// AsyncMarkDelete.
	Properties() map[string]string

	// Rewind resets the cursor's read position back to just after the
	// mark-delete position, so the next read re-delivers the backlog.
	Rewind(ctx context.Context) error

	// Seek repositions the cursor's read position to pos.
	Seek(ctx context.Context, pos wire.Position) error

	// CancelPendingReadRequest makes a best-effort attempt to cancel an
	// outstanding AsyncReadEntriesOrWait call. Returns true if it
	// believes it succeeded; callers must still check isClosed in their
	// callback since the read may still fire.
	CancelPendingReadRequest() bool

	// SetActive/SetInactive mark the cursor as the one actively being
	// drained, used by the rate limiter's throttle-on-non-backlog
	// policy.
	SetActive()
	SetInactive()
	IsActiveCursor() bool

	// HasBacklog reports whether there are entries beyond the
	// mark-delete position.
	HasBacklog() bool

	// Close releases the cursor. Further operations return
	// ErrCursorAlreadyClosed.
	Close(ctx context.Context) error
}
