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

// Package producer implements the broker-side publish pipeline: checksum verification, dedup admission and the append
// to the Managed Log, resolved asynchronously onto the producer's
// connection as a SendReceipt or SendError frame.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/dedup"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// ErrClosedProducer is sent wrapped in a managedlog.ErrPersistence
// SendError frame, never as a Go return value -- Publish has no
// synchronous result -- once the producer has started closing, so a
// client retrying on PersistenceError recognizes this as that case.
var ErrClosedProducer = errors.New("producer: producer is closed")

// ErrChecksumMismatch is sent back to the client when the CRC32C
// checksum supplied with a publish doesn't match the payload; the
// message is never persisted.
var ErrChecksumMismatch = errors.New("producer: checksum mismatch")

// PublishRequest is one publish(producerId, seqId, payload, batchSize)
// call. Checksum is nil when the client didn't attach one.
// OriginalProducerName/OriginalSequenceID carry a replicated message's
// origin identity, already resolved by the remote cluster's replicator,
// and are zero-value for ordinary client publishes.
type PublishRequest struct {
	SequenceID           uint64
	Payload              []byte
	Checksum             *uint32
	PartitionKey         string
	NumMessagesInBatch   int32
	OriginalProducerName string
	OriginalSequenceID   uint64
}

// Producer implements spec component C2 against a single logical
// producer session: one ProducerID/ProducerName pair attached to a
// topic's Managed Log.
type Producer struct {
	ID    uint64
	Name  string
	Log   managedlog.Appender
	Dedup *dedup.Store
	Conn  conn.Connection
	log   log.Logger

	pendingPublishAcks atomic.Int64
	forced             atomic.Bool
	wg                 sync.WaitGroup

	mu       sync.RWMutex
	isClosed bool
	closedc  chan struct{}
}

// New returns a Producer ready to accept Publish calls.
func New(id uint64, name string, appender managedlog.Appender, dedupStore *dedup.Store, c conn.Connection, logger log.Logger) *Producer {
	return &Producer{
		ID:      id,
		Name:    name,
		Log:     appender,
		Dedup:   dedupStore,
		Conn:    c,
		log:     logger.SubLogger(log.Fields{"producerId": id, "producerName": name}),
		closedc: make(chan struct{}),
	}
}

// Closed returns a channel that blocks until the producer has finished
// closing.
func (p *Producer) Closed() <-chan struct{} {
	return p.closedc
}

// PendingPublishAcks returns the number of appends submitted to the
// Managed Log that haven't yet resolved, the counter a graceful Close
// waits to drain to zero.
func (p *Producer) PendingPublishAcks() int64 {
	return p.pendingPublishAcks.Load()
}

// Publish runs checksum validation, dedup admission, append, and
// receipt delivery. It returns immediately: the eventual SendReceipt
// or SendError is written to
// p.Conn off the caller's goroutine once the Managed Log append
// resolves, the same way a dispatcher writes MESSAGE frames off the
// read path rather than from ReadMoreEntries itself.
func (p *Producer) Publish(ctx context.Context, req PublishRequest) {
	p.mu.RLock()
	closed := p.isClosed
	p.mu.RUnlock()
	if closed {
		p.sendError(req.SequenceID, fmt.Errorf("%w: %w", managedlog.ErrPersistence, ErrClosedProducer))
		return
	}

	if req.Checksum != nil && !wire.VerifyChecksum(*req.Checksum, req.Payload) {
		p.sendError(req.SequenceID, ErrChecksumMismatch)
		return
	}

	meta := &wire.MessageMetadata{
		ProducerName:         p.Name,
		SequenceID:           req.SequenceID,
		PublishTime:          uint64(time.Now().UnixMilli()),
		PartitionKey:         req.PartitionKey,
		NumMessagesInBatch:   numMessages(req.NumMessagesInBatch),
		OriginalProducerName: req.OriginalProducerName,
		OriginalSequenceID:   req.OriginalSequenceID,
	}

	if !p.Dedup.ShouldAccept(p.Name, req.SequenceID, meta) {
		key, _ := dedupIdentity(p.Name, meta)
		pos, _ := p.Dedup.HighestPersistedPosition(key)
		p.sendReceipt(req.SequenceID, pos)
		return
	}

	p.pendingPublishAcks.Inc()
	p.wg.Add(1)
	go p.append(ctx, meta, req)
}

// append submits the entry to the Managed Log and resolves the publish
// with a receipt or error. On TopicTerminated the client sees
// TopicTerminatedError; any other append failure becomes a
// PersistenceError the client is expected to retry with the same
// seqId, which C3 relies on for idempotence across the retry.
func (p *Producer) append(ctx context.Context, meta *wire.MessageMetadata, req PublishRequest) {
	defer p.wg.Done()
	defer p.pendingPublishAcks.Dec()

	entry := &wire.Entry{Metadata: *meta, Payload: req.Payload}
	buf, err := wire.EncodeEntry(entry)
	if err != nil {
		p.log.Warnf("producer: encode failed for seq %d: %v", req.SequenceID, err)
		p.sendError(req.SequenceID, managedlog.ErrPersistence)
		return
	}

	res, err := p.Log.Append(ctx, buf)
	if err != nil {
		if errors.Is(err, managedlog.ErrTopicTerminated) {
			p.sendError(req.SequenceID, managedlog.ErrTopicTerminated)
			return
		}
		p.log.Warnf("producer: append failed for seq %d, client should retry: %v", req.SequenceID, err)
		p.sendError(req.SequenceID, managedlog.ErrPersistence)
		return
	}

	key, seq := dedupIdentity(p.Name, meta)
	p.Dedup.OnPersisted(ctx, key, seq, res.Position)

	if p.forced.Load() {
		// A forced Close raced the append: the entry is durably
		// persisted (and recorded above, so a client retry on the same
		// seqId will be deduped correctly) but this session no longer
		// gets to see the receipt.
		p.sendError(req.SequenceID, managedlog.ErrPersistence)
		return
	}
	p.sendReceipt(req.SequenceID, res.Position)
}

// dedupIdentity mirrors dedup.Store.ShouldAccept's key substitution: a
// replicator-prefixed producer name is never itself the dedup key,
// only the original producer/sequence embedded in meta is.
func dedupIdentity(producerName string, meta *wire.MessageMetadata) (string, uint64) {
	if wire.IsReplicatorProducer(producerName) {
		return meta.OriginalProducerName, meta.OriginalSequenceID
	}
	return producerName, meta.SequenceID
}

func numMessages(batchSize int32) int32 {
	if batchSize <= 0 {
		return 1
	}
	return batchSize
}

func (p *Producer) sendReceipt(seqID uint64, pos wire.Position) {
	if err := p.Conn.WriteReceipt(conn.SendReceiptFrame{ProducerID: p.ID, SequenceID: seqID, MessageID: pos}); err != nil {
		p.log.Warnf("producer: write receipt failed for seq %d: %v", seqID, err)
	}
}

func (p *Producer) sendError(seqID uint64, err error) {
	if werr := p.Conn.WriteSendError(conn.SendErrorFrame{ProducerID: p.ID, SequenceID: seqID, Err: err}); werr != nil {
		p.log.Warnf("producer: write send-error failed for seq %d: %v", seqID, werr)
	}
}

// Close tears the producer down. Graceful waits for
// pendingPublishAcks to drain to zero (or ctx to expire, at which point
// it falls back to a forced close); forced close immediately stops
// accepting new publishes and resolves any append still in flight with
// a PersistenceError once it completes.
func (p *Producer) Close(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	p.mu.Unlock()

	if !graceful {
		p.forced.Store(true)
		close(p.closedc)
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(p.closedc)
		return nil
	case <-ctx.Done():
		p.forced.Store(true)
		close(p.closedc)
		return ctx.Err()
	}
}
