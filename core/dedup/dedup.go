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

// Package dedup implements producer-side idempotent deduplication over
// a log-backed sequence-id map: a per-producer
// highest-sequence admission check, recovered from and periodically
// snapshotted to a dedicated cursor.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// CursorName is the reserved cursor a dedup Store opens to persist and
// recover its state.
const CursorName = "__dedup"

// State is the dedup lifecycle state machine.
type State int32

const (
	StateDisabled State = iota
	StateRecovering
	StateEnabled
	StateRemoving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateRecovering:
		return "Recovering"
	case StateEnabled:
		return "Enabled"
	case StateRemoving:
		return "Removing"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config controls snapshot cadence and producer GC.
type Config struct {
	SnapshotInterval     int           // entries between snapshots; 0 disables periodic snapshots
	MaxProducersSnapshot int           // cap on producers persisted per snapshot
	InactivityTimeout    time.Duration // GC producers idle longer than this
}

// Store holds the highestPushed/highestPersisted maps of dedup state
// and implements admission, recovery, and snapshot logic.
type Store struct {
	cfg Config
	log log.Logger

	state atomic.Int32

	// mu guards highestPushed, the synchronization point for admission
	// decisions.
	mu                sync.Mutex
	highestPushed     map[string]uint64
	highestPersisted  map[string]uint64
	highestPersistedPos map[string]wire.Position
	lastActive        map[string]time.Time
	sinceSnapshot     int

	cursor managedlog.Cursor
}

// Factory builds a Store for a given Config, registered at compile
// time.
type Factory func(Config) (*Store, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// RegisterStore registers a named Store factory. Called from init() in
// backend implementation files, never via runtime reflection.
func RegisterStore(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewFromRegistry builds a Store using the named, compile-time
// registered factory.
func NewFromRegistry(name string, cfg Config) (*Store, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dedup: no store registered under %q", name)
	}
	return f(cfg)
}

func init() {
	RegisterStore("memory", func(cfg Config) (*Store, error) { return New(cfg, log.Nop()), nil })
}

// New returns a Store in StateDisabled, ready for Recover.
func New(cfg Config, logger log.Logger) *Store {
	return &Store{
		cfg:                 cfg,
		log:                 logger.SubLogger(log.Fields{"component": "dedup"}),
		highestPushed:       make(map[string]uint64),
		highestPersisted:    make(map[string]uint64),
		highestPersistedPos: make(map[string]wire.Position),
		lastActive:          make(map[string]time.Time),
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State { return State(s.state.Load()) }

// Recover opens the __dedup cursor, seeds both maps from its stored
// snapshot properties, then replays every
// entry from the cursor's read position forward to the log's current
// end, folding each message's sequence id into both maps with
// max(current, seqId).
func (s *Store) Recover(ctx context.Context, lg managedlog.Log) error {
	s.state.Store(int32(StateRecovering))

	cursor, err := lg.OpenCursor(ctx, CursorName)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return fmt.Errorf("dedup: open cursor: %w", err)
	}
	s.cursor = cursor

	s.mu.Lock()
	for producer, raw := range cursor.Properties() {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		s.highestPushed[producer] = seq
		s.highestPersisted[producer] = seq
	}
	s.mu.Unlock()

	last, err := lg.LastPosition(ctx)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return fmt.Errorf("dedup: last position: %w", err)
	}
	if last.EntryID < 0 {
		// Empty log: there is nothing to replay, and a read would wait
		// for the first append.
		s.state.Store(int32(StateEnabled))
		return nil
	}

	for {
		entries, err := readSync(ctx, cursor, 100)
		if err != nil {
			if err == managedlog.ErrNoMoreEntriesToRead {
				break
			}
			s.state.Store(int32(StateFailed))
			return fmt.Errorf("dedup: recovery replay: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			s.absorb(e)
			if e.Position == last {
				s.state.Store(int32(StateEnabled))
				return nil
			}
		}
	}

	s.state.Store(int32(StateEnabled))
	return nil
}

// absorb folds an already-persisted entry's sequence ids into both
// maps, taking the per-producer max across the entry (or, for a
// batch, across each sub-message).
func (s *Store) absorb(e *wire.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IsBatch() {
		for _, sm := range e.Batch {
			s.bumpLocked(sm.Metadata.ProducerName, sm.Metadata.SequenceID, e.Position)
		}
		return
	}
	s.bumpLocked(e.Metadata.ProducerName, e.Metadata.SequenceID, e.Position)
}

func (s *Store) bumpLocked(producer string, seqID uint64, pos wire.Position) {
	if cur, ok := s.highestPushed[producer]; !ok || seqID > cur {
		s.highestPushed[producer] = seqID
	}
	if cur, ok := s.highestPersisted[producer]; !ok || seqID > cur {
		s.highestPersisted[producer] = seqID
		s.highestPersistedPos[producer] = pos
	}
}

// ShouldAccept decides admission synchronized on highestPushed:
// accepts iff seqID > highestPushed[producer] (absent
// implies accept), replacing producer/seqID with the embedded
// original-producer identity when producerName carries the replicator
// prefix. On accept, highestPushed is updated immediately, before the
// entry is ever persisted.
func (s *Store) ShouldAccept(producerName string, seqID uint64, meta *wire.MessageMetadata) bool {
	name, sid := producerName, seqID
	if wire.IsReplicatorProducer(producerName) {
		name, sid = meta.OriginalProducerName, meta.OriginalSequenceID
		meta.OriginalProducerName, meta.OriginalSequenceID = name, sid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.highestPushed[name]
	if ok && sid <= cur {
		return false
	}
	s.highestPushed[name] = sid
	return true
}

// HighestPersisted returns the last durably recorded sequence id for
// producer, used by the producer pipeline to build an idempotent
// receipt when a duplicate publish is rejected.
func (s *Store) HighestPersisted(producer string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.highestPersisted[producer]
	return v, ok
}

// HighestPersistedPosition returns the log position of producer's last
// durably recorded publish, used to acknowledge a rejected duplicate
// with its original position.
func (s *Store) HighestPersistedPosition(producer string) (wire.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.highestPersistedPos[producer]
	return v, ok
}

// OnPersisted records the persisted sequence id and, every
// SnapshotInterval persisted entries,
// asks the caller-supplied snapshot writer to mark-delete at pos with
// up to MaxProducersSnapshot entries of highestPersisted. Snapshot
// writes are best-effort: a failure is logged and the next persisted
// entry simply tries again.
func (s *Store) OnPersisted(ctx context.Context, producer string, seqID uint64, pos wire.Position) {
	s.mu.Lock()
	if cur, ok := s.highestPersisted[producer]; !ok || seqID > cur {
		s.highestPersisted[producer] = seqID
		s.highestPersistedPos[producer] = pos
	}

	var snapshot map[string]string
	if s.cfg.SnapshotInterval > 0 {
		s.sinceSnapshot++
		if s.sinceSnapshot >= s.cfg.SnapshotInterval {
			s.sinceSnapshot = 0
			snapshot = s.buildSnapshotLocked()
		}
	}
	s.mu.Unlock()

	if snapshot == nil || s.cursor == nil {
		return
	}
	if err := s.cursor.AsyncMarkDelete(ctx, pos, snapshot); err != nil {
		s.log.Warnf("dedup: snapshot mark-delete failed, will retry on the next persisted entry: %v", err)
		s.mu.Lock()
		s.sinceSnapshot = s.cfg.SnapshotInterval - 1
		s.mu.Unlock()
	}
}

func (s *Store) buildSnapshotLocked() map[string]string {
	limit := s.cfg.MaxProducersSnapshot
	snap := make(map[string]string, len(s.highestPersisted))
	for producer, seq := range s.highestPersisted {
		if limit > 0 && len(snap) >= limit {
			break
		}
		snap[producer] = strconv.FormatUint(seq, 10)
	}
	return snap
}

// OnProducerDisconnect records the producer's last-active time so
// periodic GC can evict it.
func (s *Store) OnProducerDisconnect(producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive[producer] = time.Now()
}

// OnProducerActive clears any stale inactivity bookkeeping when a
// producer reconnects.
func (s *Store) OnProducerActive(producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastActive, producer)
}

// GCInactive drops entries whose lastActive predates the configured
// timeout from lastActive, highestPushed, highestPersisted and
// highestPersistedPos.
func (s *Store) GCInactive(now time.Time) {
	if s.cfg.InactivityTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for producer, t := range s.lastActive {
		if now.Sub(t) >= s.cfg.InactivityTimeout {
			delete(s.lastActive, producer)
			delete(s.highestPushed, producer)
			delete(s.highestPersisted, producer)
			delete(s.highestPersistedPos, producer)
		}
	}
}

// readSync adapts Cursor.AsyncReadEntriesOrWait to a blocking call for
// the sequential recovery replay, which has no reason to overlap reads.
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
