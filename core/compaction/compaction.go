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

// Package compaction implements spec components C7 (two-phase
// compactor) and C8 (compactor subscription): a pass over a topic's
// backlog that builds a key->latest-position map, a second pass that
// writes the retained messages to a fresh ledger preserving batch
// structure, and the reserved __compaction cursor that records the
// result atomically with a cumulative ack.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// SubscriptionName is the reserved cursor name of spec component C8.
const SubscriptionName = "__compaction"

// CompactedTopicLedgerProperty is the cursor property key the
// compaction subscription stores the new ledger's id under.
const CompactedTopicLedgerProperty = "CompactedTopicLedger"

// DefaultMaxOutstandingAppends bounds the number of appends to the
// fresh ledger in flight at once.
const DefaultMaxOutstandingAppends = 500

// ErrNothingToCompact is returned by Compact when the source log is
// empty; there is no backlog to build a compacted ledger from.
var ErrNothingToCompact = errors.New("compaction: topic has no entries")

// Ledger is the narrow surface Compact needs from the fresh ledger it
// writes retained messages to: append, identify, and tear down on
// failure. It deliberately excludes cursors -- the compactor never
// reads back what it just wrote.
type Ledger interface {
	managedlog.Appender
	// ID returns the new ledger's identity, recorded in the
	// CompactedTopicLedger cursor property on success.
	ID() int64
	// Delete discards the ledger; called when a compaction run fails
	// partway through.
	Delete(ctx context.Context) error
}

// LedgerFactory creates the fresh ledger phase 2 writes into.
type LedgerFactory func(ctx context.Context) (Ledger, error)

// latestID identifies one logical message within the input range: a
// plain position for a non-batch entry, or a position plus batch index
// for one sub-message of a batch entry. BatchIndex -1 mirrors the
// non-batch convention core/dispatch.writeEntry already uses for
// MessageFrame.
type latestID struct {
	Position   wire.Position
	BatchIndex int32
}

// Result is the outcome of Compact's two phases.
type Result struct {
	From     wire.Position
	To       wire.Position
	LedgerID int64
	Retained int
	Dropped  int
}

// Compactor rewrites a single topic's Managed Log into a new ledger
// retaining only the most recent message per partition key.
type Compactor struct {
	source         managedlog.Log
	newLedger      LedgerFactory
	maxOutstanding int
	log            log.Logger
}

// New returns a Compactor reading from source and writing retained
// messages through newLedger. maxOutstanding <= 0 uses
// DefaultMaxOutstandingAppends.
func New(source managedlog.Log, newLedger LedgerFactory, maxOutstanding int, logger log.Logger) *Compactor {
	if maxOutstanding <= 0 {
		maxOutstanding = DefaultMaxOutstandingAppends
	}
	return &Compactor{
		source:         source,
		newLedger:      newLedger,
		maxOutstanding: maxOutstanding,
		log:            logger.SubLogger(log.Fields{"component": "compaction"}),
	}
}

// Compact runs both phases and, on success, cumulatively acks sub at
// the last source position it compacted, with the CompactedTopicLedger
// property set to the new ledger's id. scanCursor is
// a freshly opened, caller-provided cursor dedicated to this run's
// forward scan -- it is seeked twice (once per phase) and never shared
// with a live dispatcher, since it has no business advancing anyone's
// backlog. On any failure the fresh ledger is deleted and the original
// error is returned; sub's cursor is left untouched.
func (c *Compactor) Compact(ctx context.Context, scanCursor managedlog.Cursor, sub *Subscription) (Result, error) {
	last, err := c.source.LastPosition(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: last position: %w", err)
	}
	if last.EntryID < 0 {
		return Result{}, ErrNothingToCompact
	}

	latestByKey, from, err := c.phase1(ctx, scanCursor, last)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: phase 1: %w", err)
	}

	ledger, err := c.newLedger(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: create ledger: %w", err)
	}

	retained, dropped, err := c.phase2(ctx, scanCursor, from, last, latestByKey, ledger)
	if err != nil {
		_ = ledger.Delete(ctx)
		return Result{}, fmt.Errorf("compaction: phase 2: %w", err)
	}

	if err := sub.Ack(ctx, last, ledger.ID()); err != nil {
		_ = ledger.Delete(ctx)
		return Result{}, fmt.Errorf("compaction: ack compaction subscription: %w", err)
	}

	return Result{From: from, To: last, LedgerID: ledger.ID(), Retained: retained, Dropped: dropped}, nil
}

// phase1 reads forward from the cursor's starting position, folding
// each message's (id, key) into latestByKey
// keyed only on non-empty partition keys (a keyless message is never
// tracked for compaction and is always retained unchanged in phase 2,
// the same way Pulsar's own compactor passes keyless messages through).
// Terminates once the entry at lastPos has been folded in.
func (c *Compactor) phase1(ctx context.Context, scanCursor managedlog.Cursor, lastPos wire.Position) (map[string]latestID, wire.Position, error) {
	latestByKey := make(map[string]latestID)
	var from wire.Position
	sawFirst := false

	for {
		entries, err := readSync(ctx, scanCursor, 100)
		if err != nil {
			return nil, from, err
		}
		if len(entries) == 0 {
			return nil, from, fmt.Errorf("compaction: phase 1: backlog ended before reaching %s", lastPos)
		}
		for _, e := range entries {
			if !sawFirst {
				from = e.Position
				sawFirst = true
			}
			foldEntry(e, latestByKey)
			if e.Position == lastPos {
				return latestByKey, from, nil
			}
		}
	}
}

func foldEntry(e *wire.Entry, latestByKey map[string]latestID) {
	if !e.IsBatch() {
		if key := e.Metadata.PartitionKey; key != "" {
			latestByKey[key] = latestID{Position: e.Position, BatchIndex: -1}
		}
		return
	}
	for i, sm := range e.Batch {
		if key := sm.Metadata.PartitionKey; key != "" {
			latestByKey[key] = latestID{Position: e.Position, BatchIndex: int32(i)}
		}
	}
}

// phase2 seeks back to from and rewrites every message in [from, to]
// into ledger, applying the
// retain/compact-out/drop rules, bounding outstanding appends by a
// semaphore. Each append waits for the previous one to finish, so the
// ledger receives retained entries in source order.
func (c *Compactor) phase2(ctx context.Context, scanCursor managedlog.Cursor, from, to wire.Position, latestByKey map[string]latestID, ledger Ledger) (retained, dropped int, err error) {
	if err := scanCursor.Seek(ctx, from); err != nil {
		return 0, 0, fmt.Errorf("seek to %s: %w", from, err)
	}

	sem := make(chan struct{}, c.maxOutstanding)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	prev := make(chan struct{})
	close(prev)

	appendEntry := func(out *wire.Entry) {
		buf, encErr := wire.EncodeEntry(out)
		if encErr != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("encode retained entry: %w", encErr)
			}
			mu.Unlock()
			return
		}
		sem <- struct{}{}
		wg.Add(1)
		wait, next := prev, make(chan struct{})
		prev = next
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer close(next)
			<-wait
			if _, appendErr := ledger.Append(ctx, buf); appendErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("append to compacted ledger: %w", appendErr)
				}
				mu.Unlock()
			}
		}()
	}

	done := false
	for !done {
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		entries, readErr := readSync(ctx, scanCursor, 100)
		if readErr != nil {
			wg.Wait()
			return retained, dropped, readErr
		}
		if len(entries) == 0 {
			wg.Wait()
			return retained, dropped, fmt.Errorf("phase 2: backlog ended before reaching %s", to)
		}

		for _, e := range entries {
			out, keep := retainOrCompact(e, latestByKey)
			if keep {
				retained++
				appendEntry(out)
			} else {
				dropped++
			}
			if e.Position == to {
				done = true
				break
			}
		}
	}

	wg.Wait()
	if firstErr != nil {
		return retained, dropped, firstErr
	}
	return retained, dropped, nil
}

// retainOrCompact applies the per-entry retain/drop rule. For a
// non-batch entry, keep reports whether e is the latest value for its
// key (or keyless, always kept). For a batch entry, sub-messages that
// lost the key race are marked CompactedOut with an empty payload but
// the batch is still written as long as at least one sub-message
// survives; a fully-stale batch is dropped outright. A batch whose
// decoded sub-message count disagrees with its own NumMessagesInBatch
// header is treated as undecodable and passed through unchanged.
func retainOrCompact(e *wire.Entry, latestByKey map[string]latestID) (*wire.Entry, bool) {
	if !e.IsBatch() {
		key := e.Metadata.PartitionKey
		if key == "" {
			return e, true
		}
		if latestByKey[key] == (latestID{Position: e.Position, BatchIndex: -1}) {
			return e, true
		}
		return nil, false
	}

	if len(e.Batch) != int(e.Metadata.NumMessagesInBatch) {
		return e, true
	}

	out := &wire.Entry{Position: e.Position, Metadata: e.Metadata}
	anyRetained := false
	for i, sm := range e.Batch {
		sub := sm
		key := sm.Metadata.PartitionKey
		retain := key == "" || latestByKey[key] == (latestID{Position: e.Position, BatchIndex: int32(i)})
		if retain {
			anyRetained = true
		} else {
			sub.Metadata.CompactedOut = true
			sub.Payload = nil
		}
		out.Batch = append(out.Batch, sub)
	}
	if !anyRetained {
		return nil, false
	}
	return out, true
}

// readSync adapts Cursor.AsyncReadEntriesOrWait to a blocking call,
// mirroring core/dedup's recovery replay helper: compaction's scan has
// no reason to overlap reads either.
func readSync(ctx context.Context, cursor managedlog.Cursor, n int) ([]*wire.Entry, error) {
	type result struct {
		entries []*wire.Entry
		err     error
	}
	ch := make(chan result, 1)
	cursor.AsyncReadEntriesOrWait(ctx, n, func(entries []*wire.Entry, err error) {
		ch <- result{entries, err}
	})
	select {
	case r := <-ch:
		return r.entries, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscription implements spec component C8: a persistent cursor whose
// ack path is restricted to a cumulative ack carrying the
// CompactedTopicLedger property, and which notifies a CompactedTopicView
// so readCompacted=true consumers learn about the new ledger.
type Subscription struct {
	cursor managedlog.Cursor
	view   CompactedTopicView
}

// CompactedTopicView is the collaborator a Subscription informs once a
// compaction run's ack succeeds.
type CompactedTopicView interface {
	SetCompactedLedger(ledgerID int64)
}

// NewSubscription returns a Subscription bound to cursor (opened by the
// caller under SubscriptionName) and view.
func NewSubscription(cursor managedlog.Cursor, view CompactedTopicView) *Subscription {
	return &Subscription{cursor: cursor, view: view}
}

// Ack cumulatively mark-deletes pos with the CompactedTopicLedger
// property set, then, on success, records ledgerID on view.
func (s *Subscription) Ack(ctx context.Context, pos wire.Position, ledgerID int64) error {
	props := map[string]string{CompactedTopicLedgerProperty: strconv.FormatInt(ledgerID, 10)}
	if err := s.cursor.AsyncMarkDelete(ctx, pos, props); err != nil {
		return err
	}
	if s.view != nil {
		s.view.SetCompactedLedger(ledgerID)
	}
	return nil
}

// CompactedLedgerID returns the ledger id most recently recorded on the
// compaction cursor, or (0, false) if no compaction has ever succeeded.
func (s *Subscription) CompactedLedgerID() (int64, bool) {
	raw, ok := s.cursor.Properties()[CompactedTopicLedgerProperty]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
