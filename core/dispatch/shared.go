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

package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pepper-iot/pulsar-broker-core/core/consumer"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/metrics"
	"github.com/pepper-iot/pulsar-broker-core/core/ratelimit"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// MaxRoundRobinBatch caps how many entries one consumer receives in a
// single round-robin turn before distribution moves to the next
// consumer.
const MaxRoundRobinBatch = 20

// MessageRateBackoff is how long a Shared dispatcher waits before
// retrying a read after the rate limiter denies permit.
const MessageRateBackoff = 100 * time.Millisecond

// SharedDispatcher implements spec component C5: round-robin delivery
// to every connected consumer of a Shared subscription, with a replay
// set for redelivered positions and a dispatcher-level unacked bound.
type SharedDispatcher struct {
	cursor                    managedlog.Cursor
	terminated                func() bool
	maxUnackedPerSubscription int32
	limiter                   *ratelimit.Limiter
	throttleOnNonBacklog      bool
	log                       log.Logger
	metrics                   *metrics.Dispatch
	backoff                   *ratelimit.Backoff

	mu                  sync.Mutex
	consumers           []*consumer.Consumer
	replayOrder         []wire.Position
	replaySet           map[wire.Position]struct{}
	havePendingRead     bool
	havePendingReplay   bool
	blockedOnUnacked    bool
	readBatch           int
	closed              bool
}

var _ Dispatcher = (*SharedDispatcher)(nil)
var _ consumer.Callbacks = (*SharedDispatcher)(nil)

// NewShared returns a Shared dispatcher. limiter may be nil to disable
// rate limiting.
func NewShared(cursor managedlog.Cursor, maxUnackedPerSubscription int32, limiter *ratelimit.Limiter, throttleOnNonBacklog bool, terminated func() bool, m *metrics.Dispatch, logger log.Logger) *SharedDispatcher {
	return &SharedDispatcher{
		cursor:                    cursor,
		terminated:                terminated,
		maxUnackedPerSubscription: maxUnackedPerSubscription,
		limiter:                   limiter,
		throttleOnNonBacklog:      throttleOnNonBacklog,
		log:                       logger.SubLogger(log.Fields{"dispatcher": "shared"}),
		metrics:                   m,
		backoff:                   ratelimit.NewBackoff(time.Second, 60*time.Second),
		replaySet:                 make(map[wire.Position]struct{}),
		readBatch:                 1,
	}
}

func (d *SharedDispatcher) Kind() Kind { return KindMulti }

func (d *SharedDispatcher) AddConsumer(c *consumer.Consumer) error {
	d.mu.Lock()
	d.consumers = append(d.consumers, c)
	sort.SliceStable(d.consumers, func(i, j int) bool {
		return d.consumers[i].PriorityLevel < d.consumers[j].PriorityLevel
	})
	d.mu.Unlock()
	d.ReadMoreEntries()
	return nil
}

func (d *SharedDispatcher) RemoveConsumer(c *consumer.Consumer) error {
	d.mu.Lock()
	for i, existing := range d.consumers {
		if existing == c {
			d.consumers = append(d.consumers[:i], d.consumers[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	c.RedeliverAll()
	d.redeliverLocked(c, nil)
	return nil
}

// CanUnsubscribe: a Shared consumer may always unsubscribe individually.
func (d *SharedDispatcher) CanUnsubscribe(consumerID uint64) bool { return true }

func (d *SharedDispatcher) totalPermitsLocked() int64 {
	var total int64
	for _, c := range d.consumers {
		total += int64(c.Permits())
	}
	return total
}

func (d *SharedDispatcher) totalUnackedLocked() int64 {
	var total int64
	for _, c := range d.consumers {
		total += c.UnackedMessages()
	}
	return total
}

func (d *SharedDispatcher) ReadMoreEntries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpLocked()
}

// pumpLocked checks dispatch preconditions and issues the next read
// (replay-read-first, else normal read).
func (d *SharedDispatcher) pumpLocked() {
	if d.closed || d.blockedOnUnacked || len(d.consumers) == 0 {
		return
	}
	if d.totalPermitsLocked() <= 0 {
		return
	}

	if len(d.replayOrder) > 0 && !d.havePendingReplay {
		n := len(d.replayOrder)
		if n > d.readBatch {
			n = d.readBatch
		}
		positions := append([]wire.Position(nil), d.replayOrder[:n]...)
		d.havePendingReplay = true
		d.cursor.AsyncReplayEntries(context.Background(), positions, func(entries []*wire.Entry, deleted []wire.Position, err error) {
			d.onReplayComplete(positions, entries, deleted, err)
		})
		return
	}

	if d.havePendingRead {
		return
	}

	if d.limiter != nil && (!d.cursor.IsActiveCursor() || d.throttleOnNonBacklog) {
		if !d.limiter.HasPermit() {
			time.AfterFunc(MessageRateBackoff, d.ReadMoreEntries)
			return
		}
	}

	total := d.totalPermitsLocked()
	n := int(total)
	if n > d.readBatch {
		n = d.readBatch
	}
	if d.limiter != nil {
		n = d.limiter.MessagePermits(n)
		if n <= 0 {
			time.AfterFunc(MessageRateBackoff, d.ReadMoreEntries)
			return
		}
	}

	d.havePendingRead = true
	d.cursor.AsyncReadEntriesOrWait(context.Background(), n, func(entries []*wire.Entry, err error) {
		d.onReadComplete(entries, err)
	})
}

func (d *SharedDispatcher) onReadComplete(entries []*wire.Entry, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.havePendingRead = false

	if err != nil {
		d.handleReadErrorLocked(err)
		d.mu.Unlock()
		return
	}

	if len(entries) == 0 {
		d.mu.Unlock()
		return
	}
	if len(d.consumers) == 0 {
		// No consumer available at all: rewind and release.
		_ = d.cursor.Rewind(context.Background())
		d.mu.Unlock()
		return
	}

	d.backoff.Reset()
	d.readBatch *= 2
	if d.readBatch > MaxReadBatch {
		d.readBatch = MaxReadBatch
	}
	if d.metrics != nil {
		d.metrics.ReadBatchSize.Set(float64(d.readBatch))
	}

	d.distributeLocked(entries)
	d.checkBlockLocked()
	d.pumpLocked()
	d.mu.Unlock()
}

// distributeLocked round-robins entries across consumers: each
// consumer receives a chunk bounded by
// min(remaining, consumer.permits, MaxRoundRobinBatch), skipping
// consumers with zero permits; any undispatched tail goes to the
// replay set.
func (d *SharedDispatcher) distributeLocked(entries []*wire.Entry) {
	idx := 0
	cursorIdx := 0
	n := len(d.consumers)
	attemptsWithoutProgress := 0

	for idx < len(entries) && attemptsWithoutProgress < n {
		c := d.consumers[cursorIdx]
		cursorIdx = (cursorIdx + 1) % n

		permits := int(c.Permits())
		if permits <= 0 {
			attemptsWithoutProgress++
			continue
		}
		chunkLen := len(entries) - idx
		if chunkLen > permits {
			chunkLen = permits
		}
		if chunkLen > MaxRoundRobinBatch {
			chunkLen = MaxRoundRobinBatch
		}

		chunk := entries[idx : idx+chunkLen]
		dispatchEntries := make([]consumer.Entry, len(chunk))
		for i, e := range chunk {
			dispatchEntries[i] = consumer.Entry{Position: e.Position, BatchSize: entryBatchSize(e)}
		}
		if err := c.Dispatch(dispatchEntries); err != nil {
			d.log.Errorf("shared: dispatch to consumer %s: %v", c.Name, err)
			attemptsWithoutProgress++
			continue
		}
		for i, e := range chunk {
			writeEntry(c, e, dispatchEntries[i].BatchSize)
		}
		idx += chunkLen
		attemptsWithoutProgress = 0
	}

	for _, e := range entries[idx:] {
		d.addReplayLocked(e.Position)
	}
}

func (d *SharedDispatcher) checkBlockLocked() {
	if d.maxUnackedPerSubscription <= 0 {
		return
	}
	total := d.totalUnackedLocked()
	if !d.blockedOnUnacked && total >= int64(d.maxUnackedPerSubscription) {
		d.blockedOnUnacked = true
		if d.metrics != nil {
			d.metrics.BlockedOnUnacked.Set(1)
		}
	}
	if d.metrics != nil {
		d.metrics.UnackedMessages.Set(float64(total))
	}
}

func (d *SharedDispatcher) maybeUnblockLocked() {
	if !d.blockedOnUnacked || d.maxUnackedPerSubscription <= 0 {
		return
	}
	if d.totalUnackedLocked() < int64(d.maxUnackedPerSubscription)/2 {
		d.blockedOnUnacked = false
		if d.metrics != nil {
			d.metrics.BlockedOnUnacked.Set(0)
		}
	}
}

func (d *SharedDispatcher) addReplayLocked(pos wire.Position) {
	if _, ok := d.replaySet[pos]; ok {
		return
	}
	d.replaySet[pos] = struct{}{}
	d.replayOrder = append(d.replayOrder, pos)
}

func (d *SharedDispatcher) removeReplayLocked(pos wire.Position) {
	if _, ok := d.replaySet[pos]; !ok {
		return
	}
	delete(d.replaySet, pos)
	for i, p := range d.replayOrder {
		if p == pos {
			d.replayOrder = append(d.replayOrder[:i], d.replayOrder[i+1:]...)
			break
		}
	}
}

func (d *SharedDispatcher) onReplayComplete(requested []wire.Position, entries []*wire.Entry, deleted []wire.Position, err error) {
	d.mu.Lock()
	d.havePendingReplay = false
	if d.closed {
		d.mu.Unlock()
		return
	}
	if err != nil {
		if errors.Is(err, managedlog.ErrInvalidReplayPosition) {
			mark := d.cursor.MarkDeletedPosition()
			for _, pos := range requested {
				if pos.LessEqual(mark) {
					d.removeReplayLocked(pos)
				}
			}
		}
		d.mu.Unlock()
		return
	}

	for _, pos := range deleted {
		d.removeReplayLocked(pos)
	}
	for _, pos := range requested {
		d.removeReplayLocked(pos)
	}
	if len(entries) > 0 {
		d.distributeLocked(entries)
		d.checkBlockLocked()
	}
	d.pumpLocked()
	d.mu.Unlock()
}

func (d *SharedDispatcher) handleReadErrorLocked(err error) {
	switch {
	case errors.Is(err, managedlog.ErrNoMoreEntriesToRead):
		if !d.cursor.HasBacklog() && d.terminated != nil && d.terminated() {
			for _, c := range d.consumers {
				_ = c.Conn.WriteReachedEndOfTopic(reachedEndOfTopicFrame(c.ID))
			}
			return
		}
		d.readBatch = 1
		time.AfterFunc(d.backoff.Failure(), d.ReadMoreEntries)
	case errors.Is(err, managedlog.ErrTooManyRequests):
		d.readBatch = 1
		time.AfterFunc(d.backoff.Failure(), d.ReadMoreEntries)
	default:
		d.readBatch = 1
		delay := d.backoff.Failure()
		d.log.Errorf("shared: read failed, backing off %v: %v", delay, err)
		time.AfterFunc(delay, d.ReadMoreEntries)
	}
}

func (d *SharedDispatcher) ConsumerFlow(consumerID uint64, n int32) error {
	d.mu.Lock()
	c := d.findLocked(consumerID)
	d.mu.Unlock()
	if c == nil {
		return errConsumerNotFound
	}
	c.GrantPermits(n)
	return nil
}

func (d *SharedDispatcher) Redeliver(consumerID uint64, positions []wire.Position) error {
	d.mu.Lock()
	c := d.findLocked(consumerID)
	d.mu.Unlock()
	if c == nil {
		return errConsumerNotFound
	}
	if len(positions) == 0 {
		c.RedeliverAll()
	} else {
		c.Redeliver(positions)
	}
	return nil
}

// redeliverLocked moves a consumer's (subset of) pendingAcks into the
// replay set. It is invoked via Consumer.Callbacks, and directly with no
// positions by RemoveConsumer, which first hands the departing
// consumer's pendingAcks back through RedeliverAll.
func (d *SharedDispatcher) redeliverLocked(_ *consumer.Consumer, positions []wire.Position) {
	d.mu.Lock()
	for _, pos := range positions {
		d.addReplayLocked(pos)
	}
	d.checkBlockLocked()
	d.pumpLocked()
	d.mu.Unlock()
}

func (d *SharedDispatcher) findLocked(consumerID uint64) *consumer.Consumer {
	for _, c := range d.consumers {
		if c.ID == consumerID {
			return c
		}
	}
	return nil
}

func (d *SharedDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	if d.havePendingRead {
		d.cursor.CancelPendingReadRequest()
	}
	d.mu.Unlock()
	return nil
}

// consumer.Callbacks implementation.

func (d *SharedDispatcher) SignalReadMore() {
	d.mu.Lock()
	d.maybeUnblockLocked()
	d.mu.Unlock()
	d.ReadMoreEntries()
}

func (d *SharedDispatcher) AckCumulative(pos wire.Position) error {
	return ErrSharedRequiresIndividual
}

func (d *SharedDispatcher) StealAck(pos wire.Position) bool {
	d.mu.Lock()
	consumers := append([]*consumer.Consumer(nil), d.consumers...)
	d.mu.Unlock()
	for _, c := range consumers {
		if c.RemovePending(pos) {
			return true
		}
	}
	return false
}

// Replay adds positions abandoned by a consumer (forced disconnect or
// explicit redeliver) to the dispatcher's replay set.
func (d *SharedDispatcher) Replay(positions []wire.Position) {
	d.redeliverLocked(nil, positions)
}

// ErrSharedRequiresIndividual mirrors consumer.ErrSharedRequiresIndividual
// for the dispatcher-level cumulative-ack rejection path.
var ErrSharedRequiresIndividual = errors.New("dispatch: shared subscription requires individual acks")
