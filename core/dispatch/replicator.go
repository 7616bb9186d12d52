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
	"sync"
	"time"

	"github.com/pepper-iot/pulsar-broker-core/core/consumer"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/metrics"
	"github.com/pepper-iot/pulsar-broker-core/core/ratelimit"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// RemoteProducer is the collaborator a ReplicatorDispatcher forwards
// entries to: a producer attached to the remote cluster's topic.
type RemoteProducer interface {
	// SendAsync forwards e and invokes cb once the remote broker has
	// acked (or failed) the send.
	SendAsync(ctx context.Context, e *wire.Entry, cb func(err error))
	// Close tears the remote producer down.
	Close() error
}

// ReplicatorDispatcher implements spec component C6: owns a producer to
// a remote cluster and forwards entries not already replicated and not
// excluded by replicateTo, subject to a bounded in-flight queue.
type ReplicatorDispatcher struct {
	cursor        managedlog.Cursor
	remoteCluster string
	producer      RemoteProducer
	queueSize     int
	thresholdPct  float64
	ttl           time.Duration
	log           log.Logger
	metrics       *metrics.Dispatch
	backoff       *ratelimit.Backoff
	readBatch     int

	mu              sync.Mutex
	pending         int
	havePendingRead bool
	closed          bool
}

var _ Dispatcher = (*ReplicatorDispatcher)(nil)

// NewReplicator returns a dispatcher forwarding entries to remoteCluster
// via producer. queueSize bounds in-flight sends (producerQueueSize);
// thresholdPct is the fraction of queueSize (default 0.9) at which a
// caller should consider the replicator saturated. ttl of 0 disables
// message expiry.
func NewReplicator(cursor managedlog.Cursor, remoteCluster string, producer RemoteProducer, queueSize int, thresholdPct float64, ttl time.Duration, m *metrics.Dispatch, logger log.Logger) *ReplicatorDispatcher {
	if thresholdPct <= 0 {
		thresholdPct = 0.9
	}
	return &ReplicatorDispatcher{
		cursor:        cursor,
		remoteCluster: remoteCluster,
		producer:      producer,
		queueSize:     queueSize,
		thresholdPct:  thresholdPct,
		ttl:           ttl,
		log:           logger.SubLogger(log.Fields{"dispatcher": "replicator", "remoteCluster": remoteCluster}),
		metrics:       m,
		backoff:       ratelimit.NewBackoff(time.Second, time.Minute),
		readBatch:     10,
	}
}

func (d *ReplicatorDispatcher) Kind() Kind { return KindReplicator }

// Saturated reports whether in-flight sends have crossed
// thresholdPct*queueSize, the backpressure signal callers watch for.
func (d *ReplicatorDispatcher) Saturated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queueSize <= 0 {
		return false
	}
	return float64(d.pending) >= d.thresholdPct*float64(d.queueSize)
}

// A ReplicatorDispatcher forwards messages rather than serving
// consumers, so the consumer-facing capability set is inert: it still
// satisfies Dispatcher but every
// consumer operation is a no-op or rejection.
func (d *ReplicatorDispatcher) AddConsumer(c *consumer.Consumer) error {
	return errors.New("dispatch: replicator dispatcher accepts no consumers")
}
func (d *ReplicatorDispatcher) RemoveConsumer(c *consumer.Consumer) error { return nil }
func (d *ReplicatorDispatcher) ConsumerFlow(consumerID uint64, n int32) error {
	return errConsumerNotFound
}
func (d *ReplicatorDispatcher) Redeliver(consumerID uint64, positions []wire.Position) error {
	return errConsumerNotFound
}
func (d *ReplicatorDispatcher) CanUnsubscribe(consumerID uint64) bool { return false }

func (d *ReplicatorDispatcher) ReadMoreEntries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpLocked()
}

// pumpLocked requests min(producerQueueSize - pending, readBatch)
// entries.
func (d *ReplicatorDispatcher) pumpLocked() {
	if d.closed || d.havePendingRead {
		return
	}
	avail := d.queueSize - d.pending
	if avail <= 0 {
		return
	}
	n := avail
	if n > d.readBatch {
		n = d.readBatch
	}
	d.havePendingRead = true
	d.cursor.AsyncReadEntriesOrWait(context.Background(), n, func(entries []*wire.Entry, err error) {
		d.onReadComplete(entries, err)
	})
}

func (d *ReplicatorDispatcher) onReadComplete(entries []*wire.Entry, err error) {
	d.mu.Lock()
	d.havePendingRead = false
	if d.closed {
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.handleReadErrorLocked(err)
		d.mu.Unlock()
		return
	}
	d.backoff.Reset()
	d.mu.Unlock()

	for _, e := range entries {
		d.forwardOne(e)
	}
	d.ReadMoreEntries()
}

// forwardOne forwards a single entry: loop prevention, replicateTo
// exclusion, TTL expiry, async send with delete-on-success /
// rewind-on-failure.
func (d *ReplicatorDispatcher) forwardOne(e *wire.Entry) {
	meta := e.Metadata
	ctx := context.Background()

	if meta.IsReplicated() {
		_ = d.cursor.AsyncDelete(ctx, e.Position)
		return
	}
	if !meta.ReplicatesTo(d.remoteCluster) {
		_ = d.cursor.AsyncDelete(ctx, e.Position)
		return
	}
	if d.expired(&meta) {
		if d.metrics != nil {
			d.metrics.MessagesExpired.Add(1)
		}
		_ = d.cursor.AsyncDelete(ctx, e.Position)
		return
	}

	d.mu.Lock()
	d.pending++
	d.mu.Unlock()

	d.producer.SendAsync(ctx, e, func(err error) {
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()

		if err != nil {
			d.log.Warnf("replicator: send failed for %s, rewinding: %v", e.Position, err)
			_ = d.cursor.Rewind(ctx)
		} else {
			_ = d.cursor.AsyncDelete(ctx, e.Position)
		}
		d.ReadMoreEntries()
	})
}

func (d *ReplicatorDispatcher) expired(meta *wire.MessageMetadata) bool {
	if d.ttl <= 0 {
		return false
	}
	publishedAt := time.UnixMilli(int64(meta.PublishTime))
	return time.Since(publishedAt) > d.ttl
}

// handleReadErrorLocked reacts to a failed read: CursorAlreadyClosed
// tears down the remote producer; a DecodeError names a single
// undecodable entry, which is deleted outright (the poison-entry
// policy -- a rewind would just re-read and re-fail on the same
// position forever); any other error uses the doubling
// readFailureBackoff (capped at 1 minute) plus a cursor rewind so the
// same positions are re-read once forwarding resumes.
func (d *ReplicatorDispatcher) handleReadErrorLocked(err error) {
	if errors.Is(err, managedlog.ErrCursorAlreadyClosed) {
		d.closed = true
		_ = d.producer.Close()
		return
	}

	var decodeErr *wire.DecodeError
	if errors.As(err, &decodeErr) {
		d.log.Warnf("replicator: dropping undecodable entry at %s: %v", decodeErr.Position, decodeErr.Err)
		pos := decodeErr.Position
		time.AfterFunc(0, func() {
			if err := d.cursor.AsyncDelete(context.Background(), pos); err != nil {
				d.log.Warnf("replicator: delete of poisoned entry %s failed: %v", pos, err)
			}
			d.ReadMoreEntries()
		})
		return
	}

	delay := d.backoff.Failure()
	d.log.Warnf("replicator: read failed, backing off %v: %v", delay, err)
	time.AfterFunc(delay, func() {
		_ = d.cursor.Rewind(context.Background())
		d.ReadMoreEntries()
	})
}

func (d *ReplicatorDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	if d.havePendingRead {
		d.cursor.CancelPendingReadRequest()
	}
	d.mu.Unlock()
	return d.producer.Close()
}
