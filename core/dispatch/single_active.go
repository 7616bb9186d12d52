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

// MaxReadBatch caps the doubling read-batch size so a fast consumer
// can't make the dispatcher request unbounded entry counts per read.
const MaxReadBatch = 100

// SingleActiveDispatcher implements Exclusive and Failover subscription
// semantics. Exactly one consumer is "active" at any time; the others
// stand by for failover.
type SingleActiveDispatcher struct {
	cursor        managedlog.Cursor
	terminated    func() bool
	exclusive     bool // Exclusive vs Failover
	failoverDelay time.Duration
	nonPersistent bool
	log           log.Logger
	metrics       *metrics.Dispatch
	backoff       *ratelimit.Backoff

	mu              sync.Mutex
	consumers       []*consumer.Consumer
	active          *consumer.Consumer
	partitionIndex  int
	readBatch       int
	havePendingRead bool
	pendingReadFor  *consumer.Consumer
	rewindTimer     *time.Timer
	closed          bool
}

var _ Dispatcher = (*SingleActiveDispatcher)(nil)
var _ consumer.Callbacks = (*SingleActiveDispatcher)(nil)

// NewSingleActive returns a dispatcher for Exclusive (failoverDelay
// ignored) or Failover (failoverDelay used on active change) semantics.
// terminated reports whether the owning topic's log has been
// administratively terminated.
func NewSingleActive(cursor managedlog.Cursor, exclusive bool, failoverDelay time.Duration, nonPersistent bool, terminated func() bool, m *metrics.Dispatch, logger log.Logger) *SingleActiveDispatcher {
	return &SingleActiveDispatcher{
		cursor:        cursor,
		terminated:    terminated,
		exclusive:     exclusive,
		failoverDelay: failoverDelay,
		nonPersistent: nonPersistent,
		log:           logger.SubLogger(log.Fields{"dispatcher": "singleActive"}),
		metrics:       m,
		backoff:       ratelimit.NewBackoff(time.Second, 60*time.Second),
		readBatch:     1,
	}
}

func (d *SingleActiveDispatcher) Kind() Kind { return KindSingleActive }

// AddConsumer rejects a second consumer with ErrConsumerBusy when this
// dispatcher is Exclusive; Failover accepts any number, sorted by name,
// re-electing the active consumer on every membership change.
func (d *SingleActiveDispatcher) AddConsumer(c *consumer.Consumer) error {
	d.mu.Lock()
	if d.exclusive && len(d.consumers) > 0 {
		d.mu.Unlock()
		return ErrConsumerBusy
	}
	d.consumers = append(d.consumers, c)
	sort.Slice(d.consumers, func(i, j int) bool { return d.consumers[i].Name < d.consumers[j].Name })
	d.electActiveLocked()
	d.mu.Unlock()
	return nil
}

func (d *SingleActiveDispatcher) RemoveConsumer(c *consumer.Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.consumers {
		if existing == c {
			d.consumers = append(d.consumers[:i], d.consumers[i+1:]...)
			break
		}
	}
	d.electActiveLocked()
	if len(d.consumers) == 0 && d.havePendingRead {
		d.cursor.CancelPendingReadRequest()
	}
	return nil
}

// CanUnsubscribe reports whether consumerID is the sole remaining,
// currently active consumer: only that consumer may unsubscribe.
func (d *SingleActiveDispatcher) CanUnsubscribe(consumerID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.consumers) == 1 && d.active != nil && d.active.ID == consumerID
}

// electActiveLocked picks the active consumer among d.consumers and,
// if it changed, cancels any in-flight read and schedules a rewind
// (immediately for Exclusive, after failoverDelay for Failover).
func (d *SingleActiveDispatcher) electActiveLocked() {
	if len(d.consumers) == 0 {
		d.active = nil
		return
	}
	idx := d.partitionIndex % len(d.consumers)
	newActive := d.consumers[idx]
	if newActive == d.active {
		return
	}
	d.active = newActive

	if d.havePendingRead {
		d.cursor.CancelPendingReadRequest()
		d.havePendingRead = false
		d.pendingReadFor = nil
	}
	if d.rewindTimer != nil {
		d.rewindTimer.Stop()
		d.rewindTimer = nil
	}

	if d.exclusive || d.failoverDelay <= 0 {
		d.rewindAndReadLocked()
		return
	}

	elected := newActive
	d.rewindTimer = time.AfterFunc(d.failoverDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.closed && d.active == elected {
			d.rewindAndReadLocked()
		}
	})
}

func (d *SingleActiveDispatcher) rewindAndReadLocked() {
	if err := d.cursor.Rewind(context.Background()); err != nil {
		d.log.Warnf("singleActive: rewind failed: %v", err)
	}
	d.readMoreLocked()
}

func (d *SingleActiveDispatcher) ReadMoreEntries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readMoreLocked()
}

// readMoreLocked issues the next read against the cursor for the
// active consumer, sized to its outstanding permits, if nothing is
// already in flight.
func (d *SingleActiveDispatcher) readMoreLocked() {
	if d.closed || d.active == nil || d.havePendingRead {
		return
	}
	permits := d.active.Permits()
	if permits <= 0 {
		return
	}
	n := d.readBatch
	if int(permits) < n {
		n = int(permits)
	}
	if !d.active.Conn.IsWritable() {
		n = 1
	}

	d.havePendingRead = true
	issuedFor := d.active
	d.pendingReadFor = issuedFor
	d.cursor.AsyncReadEntriesOrWait(context.Background(), n, func(entries []*wire.Entry, err error) {
		d.onReadComplete(issuedFor, entries, err)
	})
}

func (d *SingleActiveDispatcher) onReadComplete(issuedFor *consumer.Consumer, entries []*wire.Entry, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.havePendingRead = false
	d.pendingReadFor = nil

	if err != nil {
		d.handleReadErrorLocked(err)
		d.mu.Unlock()
		return
	}

	if d.active != issuedFor {
		// Active changed mid-read: the read result belongs to a
		// consumer that's no longer active. Release it and rewind so
		// the new active consumer re-reads from the mark-delete
		// position.
		_ = d.cursor.Rewind(context.Background())
		d.mu.Unlock()
		return
	}

	if len(entries) == 0 {
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
	active := d.active
	d.mu.Unlock()

	if d.nonPersistent && !active.Conn.IsWritable() {
		if d.metrics != nil {
			d.metrics.MessagesDropped.Add(float64(len(entries)))
		}
		d.ReadMoreEntries()
		return
	}

	dispatchEntries := make([]consumer.Entry, len(entries))
	for i, e := range entries {
		dispatchEntries[i] = consumer.Entry{Position: e.Position, BatchSize: entryBatchSize(e)}
	}
	if err := active.Dispatch(dispatchEntries); err != nil {
		d.log.Errorf("singleActive: dispatch: %v", err)
		return
	}
	for i, e := range entries {
		writeEntry(active, e, dispatchEntries[i].BatchSize)
	}

	d.mu.Lock()
	if d.active == active && active.Permits() > 0 {
		d.readMoreLocked()
	}
	d.mu.Unlock()
}

// handleReadErrorLocked classifies a failed read and either signals
// end-of-topic, or schedules a backed-off retry.
func (d *SingleActiveDispatcher) handleReadErrorLocked(err error) {
	switch {
	case errors.Is(err, managedlog.ErrNoMoreEntriesToRead):
		if !d.cursor.HasBacklog() && d.terminated != nil && d.terminated() {
			for _, c := range d.consumers {
				_ = c.Conn.WriteReachedEndOfTopic(reachedEndOfTopicFrame(c.ID))
			}
			return
		}
		d.readBatch = 1
		d.scheduleRetryLocked(d.backoff.Failure())
	case errors.Is(err, managedlog.ErrTooManyRequests):
		d.readBatch = 1
		d.scheduleRetryLocked(d.backoff.Failure())
	default:
		d.readBatch = 1
		delay := d.backoff.Failure()
		d.log.Errorf("singleActive: read failed, backing off %v: %v", delay, err)
		d.scheduleRetryLocked(delay)
	}
}

func (d *SingleActiveDispatcher) scheduleRetryLocked(delay time.Duration) {
	time.AfterFunc(delay, d.ReadMoreEntries)
}

func (d *SingleActiveDispatcher) ConsumerFlow(consumerID uint64, n int32) error {
	d.mu.Lock()
	c := d.findLocked(consumerID)
	d.mu.Unlock()
	if c == nil {
		return errConsumerNotFound
	}
	c.GrantPermits(n)
	return nil
}

func (d *SingleActiveDispatcher) Redeliver(consumerID uint64, positions []wire.Position) error {
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

func (d *SingleActiveDispatcher) findLocked(consumerID uint64) *consumer.Consumer {
	for _, c := range d.consumers {
		if c.ID == consumerID {
			return c
		}
	}
	return nil
}

func (d *SingleActiveDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	if d.rewindTimer != nil {
		d.rewindTimer.Stop()
	}
	if d.havePendingRead {
		d.cursor.CancelPendingReadRequest()
	}
	d.mu.Unlock()
	return nil
}

// consumer.Callbacks implementation -- the dispatcher itself is the
// Subscription-facing collaborator each of its consumers calls back
// into.

func (d *SingleActiveDispatcher) SignalReadMore() { d.ReadMoreEntries() }

func (d *SingleActiveDispatcher) AckCumulative(pos wire.Position) error {
	return d.cursor.AsyncMarkDelete(context.Background(), pos, nil)
}

func (d *SingleActiveDispatcher) StealAck(pos wire.Position) bool {
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

// Replay implements redelivery for Exclusive/Failover: since there is
// no per-subscription replay set, the unacked tail is redelivered by
// rewinding the cursor and reading again from the mark-delete position.
func (d *SingleActiveDispatcher) Replay(_ []wire.Position) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rewindAndReadLocked()
}

var errConsumerNotFound = errors.New("dispatch: consumer not found")
