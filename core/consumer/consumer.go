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

// Package consumer implements the per-consumer flow-control state
// machine: permits, pending acks, unacked-message backpressure and
// redelivery bookkeeping.
package consumer

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// DebugAssertions toggles the debug-build assertion that a negative
// permit count is a programming error rather than a steady-state log
// line: when true, a negative permit or unacked counter panics; when
// false (the default, and what production wiring uses) the check is a
// no-op.
var DebugAssertions = false

// ErrAlreadyAcked is returned by Ack when the position has already been
// removed from every consumer's pendingAcks -- a no-op, not an error
// condition callers need to branch on, but surfaced so tests can assert
// idempotence.
var ErrAlreadyAcked = errors.New("consumer: position already acked")

// ErrSharedRequiresIndividual is returned by Ack when kind is
// AckCumulative on a Shared consumer.
var ErrSharedRequiresIndividual = errors.New("consumer: shared subscription requires individual acks")

// AckKind distinguishes an individual ack (one position) from a
// cumulative ack (everything up to and including position).
type AckKind int

const (
	AckIndividual AckKind = iota
	AckCumulative
)

// Entry is the minimal shape Dispatch needs from a log entry: its
// position and how many logical messages it carries (1 for a
// non-batch entry, NumMessagesInBatch otherwise).
type Entry struct {
	Position  wire.Position
	BatchSize int32
}

type pendingAck struct {
	BatchSize int32
	Reserved  bool
}

// Callbacks is the Subscription-side surface a Consumer reaches back
// into: signalling the dispatcher that more permits are available,
// forwarding a cumulative ack to the subscription's cursor, stealing a
// pending ack from a peer consumer when this consumer doesn't own it,
// and returning abandoned/redelivered positions to the subscription's
// replay set. Consumer never holds a reference to its owning
// Subscription directly, only this narrow interface.
type Callbacks interface {
	SignalReadMore()
	AckCumulative(pos wire.Position) error
	// StealAck asks peer consumers of the same subscription to remove
	// pos from their pendingAcks. Returns true if some peer owned and
	// removed it.
	StealAck(pos wire.Position) bool
	Replay(positions []wire.Position)
}

// Consumer is one client endpoint's attachment to a Subscription.
type Consumer struct {
	ID            uint64
	Name          string
	PriorityLevel int32
	Shared        bool // only Shared consumers populate pendingAcks
	Conn          conn.Connection

	maxUnacked int32 // 0 disables per-consumer unacked blocking
	cb         Callbacks
	log        log.Logger

	messagePermits              atomic.Int64
	permitsReceivedWhileBlocked atomic.Int64
	unackedMessages             atomic.Int64
	blocked                     atomic.Bool

	mu          sync.Mutex
	pendingAcks map[wire.Position]pendingAck
}

// New returns a Consumer ready to receive GrantPermits/Dispatch calls.
func New(id uint64, name string, priority int32, shared bool, maxUnackedPerConsumer int32, c conn.Connection, cb Callbacks, logger log.Logger) *Consumer {
	return &Consumer{
		ID:            id,
		Name:          name,
		PriorityLevel: priority,
		Shared:        shared,
		Conn:          c,
		maxUnacked:    maxUnackedPerConsumer,
		cb:            cb,
		log:           logger.SubLogger(log.Fields{"consumerId": id, "consumerName": name}),
		pendingAcks:   make(map[wire.Position]pendingAck),
	}
}

// Permits returns the number of messages the dispatcher may currently
// send to this consumer.
func (c *Consumer) Permits() int32 { return int32(c.messagePermits.Load()) }

// Blocked reports whether the consumer has hit maxUnackedPerConsumer
// and is waiting to drain to half or below before receiving more.
func (c *Consumer) Blocked() bool { return c.blocked.Load() }

// UnackedMessages returns the current unacked count.
func (c *Consumer) UnackedMessages() int64 { return c.unackedMessages.Load() }

// GrantPermits adds flow-control credit. If the consumer is
// not blocked, n is added to messagePermits and the dispatcher is
// signalled to read more; otherwise n accrues in
// permitsReceivedWhileBlocked without waking the dispatcher.
func (c *Consumer) GrantPermits(n int32) {
	if n <= 0 {
		return
	}
	if c.blocked.Load() {
		c.permitsReceivedWhileBlocked.Add(int64(n))
		return
	}
	newVal := c.messagePermits.Add(int64(n))
	assertNonNegative(newVal)
	c.cb.SignalReadMore()
}

// Dispatch requires messagePermits >= sum(BatchSize); decrements
// permits by that sum, registers pending
// acks for Shared consumers, and blocks the consumer once
// maxUnackedPerConsumer is reached.
func (c *Consumer) Dispatch(entries []Entry) error {
	var total int32
	for _, e := range entries {
		total += e.BatchSize
	}
	if int64(total) > c.messagePermits.Load() {
		return errors.New("consumer: dispatch exceeds granted permits")
	}

	newVal := c.messagePermits.Sub(int64(total))
	assertNonNegative(newVal)

	if c.Shared {
		c.mu.Lock()
		for _, e := range entries {
			c.pendingAcks[e.Position] = pendingAck{BatchSize: e.BatchSize}
		}
		c.mu.Unlock()
	}

	unacked := c.unackedMessages.Add(int64(total))
	if c.maxUnacked > 0 && unacked >= int64(c.maxUnacked) && c.Shared {
		c.blocked.Store(true)
	}
	return nil
}

// Ack applies a single- or cumulative-ack. Individual removes the position from
// this consumer's pendingAcks, falling back to a peer steal if this
// consumer doesn't own it (tie-break: whichever consumer's map
// actually contains the entry wins, so a second concurrent ack for the
// same position is a no-op everywhere). Cumulative forwards to the
// subscription cursor and is never valid on a Shared consumer.
func (c *Consumer) Ack(pos wire.Position, kind AckKind) error {
	if kind == AckCumulative {
		if c.Shared {
			return ErrSharedRequiresIndividual
		}
		return c.cb.AckCumulative(pos)
	}

	c.mu.Lock()
	entry, ok := c.pendingAcks[pos]
	if ok {
		delete(c.pendingAcks, pos)
	}
	c.mu.Unlock()

	if !ok {
		if c.cb.StealAck(pos) {
			return nil
		}
		return ErrAlreadyAcked
	}

	c.onAckRemoved(entry.BatchSize)
	return nil
}

// RemovePending is called by a peer Consumer's Subscription-level
// steal search (Callbacks.StealAck) when this consumer turns out to
// own pos. Returns true if pos was present and removed.
func (c *Consumer) RemovePending(pos wire.Position) bool {
	c.mu.Lock()
	entry, ok := c.pendingAcks[pos]
	if ok {
		delete(c.pendingAcks, pos)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.onAckRemoved(entry.BatchSize)
	return true
}

// onAckRemoved decrements unackedMessages and, if the consumer was
// blocked and has now drained to half of maxUnacked or below, unblocks
// it: atomically folds permitsReceivedWhileBlocked back into
// messagePermits and signals the dispatcher. A Shared consumer signals
// the dispatcher on every removal, so a dispatcher-level unacked block
// is re-checked as acks arrive.
func (c *Consumer) onAckRemoved(batchSize int32) {
	unacked := c.unackedMessages.Sub(int64(batchSize))
	if unacked < 0 {
		// A peer steal and a local ack raced on the same batch entry;
		// the map delete above is the single source of truth and only
		// fires once, so this would indicate a bookkeeping bug.
		assertNonNegative(unacked)
	}

	if c.maxUnacked > 0 && c.blocked.Load() && unacked <= int64(c.maxUnacked)/2 {
		if c.blocked.CompareAndSwap(true, false) {
			reclaimed := c.permitsReceivedWhileBlocked.Swap(0)
			if reclaimed > 0 {
				c.messagePermits.Add(reclaimed)
			}
			c.cb.SignalReadMore()
			return
		}
	}
	if c.Shared {
		c.cb.SignalReadMore()
	}
}

// RedeliverAll moves every outstanding pendingAck back to the
// subscription's replay set, clears
// local bookkeeping, unblocks and signals.
func (c *Consumer) RedeliverAll() {
	c.mu.Lock()
	positions := make([]wire.Position, 0, len(c.pendingAcks))
	var batchSizeSum int32
	for pos, entry := range c.pendingAcks {
		positions = append(positions, pos)
		batchSizeSum += entry.BatchSize
	}
	c.pendingAcks = make(map[wire.Position]pendingAck)
	c.mu.Unlock()

	c.redeliver(positions, batchSizeSum)
}

// Redeliver is the same as RedeliverAll but scoped to the given
// positions.
func (c *Consumer) Redeliver(positions []wire.Position) {
	c.mu.Lock()
	var removed []wire.Position
	var batchSizeSum int32
	for _, pos := range positions {
		if entry, ok := c.pendingAcks[pos]; ok {
			delete(c.pendingAcks, pos)
			removed = append(removed, pos)
			batchSizeSum += entry.BatchSize
		}
	}
	c.mu.Unlock()

	c.redeliver(removed, batchSizeSum)
}

func (c *Consumer) redeliver(positions []wire.Position, batchSizeSum int32) {
	if len(positions) == 0 {
		return
	}
	c.unackedMessages.Sub(int64(batchSizeSum))
	c.blocked.Store(false)
	permits := c.permitsReceivedWhileBlocked.Swap(0)
	if permits > 0 {
		c.messagePermits.Add(permits)
	}
	c.cb.Replay(positions)
	c.cb.SignalReadMore()
}

// Disconnect tears the connection down on an unrecoverable failure
// (e.g. an unsupported batch) and abandons every outstanding pendingAck
// into the subscription's replay set.
func (c *Consumer) Disconnect(reason error) {
	c.log.Warnf("consumer: forced disconnect: %v", reason)
	c.RedeliverAll()
	_ = c.Conn.Close()
}

func assertNonNegative(v int64) {
	if DebugAssertions && v < 0 {
		panic("consumer: permit/unacked counter went negative")
	}
}
