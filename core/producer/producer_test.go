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

package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/dedup"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog/memlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

func newFixture(t *testing.T) (*Producer, *memlog.Log, *conn.Recording) {
	t.Helper()
	lg := memlog.New(1)
	ds := dedup.New(dedup.Config{}, log.Nop())
	if err := ds.Recover(context.Background(), lg); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	rec := conn.NewRecording()
	p := New(1, "p1", lg, ds, rec, log.Nop())
	return p, lg, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func TestPublish_SuccessEmitsReceipt(t *testing.T) {
	p, _, rec := newFixture(t)
	payload := []byte("hello")
	csum := wire.Checksum(payload)

	p.Publish(context.Background(), PublishRequest{SequenceID: 1, Payload: payload, Checksum: &csum})

	waitFor(t, time.Second, func() bool { return len(rec.ReceiptsSnapshot()) == 1 })
	got := rec.ReceiptsSnapshot()[0]
	if got.SequenceID != 1 {
		t.Fatalf("receipt SequenceID = %d; want 1", got.SequenceID)
	}
	if len(rec.SendErrorsSnapshot()) != 0 {
		t.Fatalf("unexpected send errors: %v", rec.SendErrorsSnapshot())
	}
}

func TestPublish_ChecksumMismatchRejectsWithoutPersisting(t *testing.T) {
	p, lg, rec := newFixture(t)
	bad := uint32(0)
	p.Publish(context.Background(), PublishRequest{SequenceID: 1, Payload: []byte("hello"), Checksum: &bad})

	waitFor(t, time.Second, func() bool { return len(rec.SendErrorsSnapshot()) == 1 })
	got := rec.SendErrorsSnapshot()[0]
	if !errors.Is(got.Err, ErrChecksumMismatch) {
		t.Fatalf("SendError.Err = %v; want ErrChecksumMismatch", got.Err)
	}
	if last, _ := lg.LastPosition(context.Background()); last.EntryID != -1 {
		t.Fatalf("checksum-mismatched publish was persisted at %v", last)
	}
}

func TestPublish_DuplicateSequenceAcksIdempotentlyWithStoredPosition(t *testing.T) {
	p, lg, rec := newFixture(t)
	payload := []byte("hello")
	csum := wire.Checksum(payload)

	p.Publish(context.Background(), PublishRequest{SequenceID: 5, Payload: payload, Checksum: &csum})
	waitFor(t, time.Second, func() bool { return len(rec.ReceiptsSnapshot()) == 1 })
	first := rec.ReceiptsSnapshot()[0]

	p.Publish(context.Background(), PublishRequest{SequenceID: 5, Payload: payload, Checksum: &csum})
	waitFor(t, time.Second, func() bool { return len(rec.ReceiptsSnapshot()) == 2 })
	second := rec.ReceiptsSnapshot()[1]

	if second.MessageID != first.MessageID {
		t.Fatalf("duplicate publish acked with %v; want the original position %v", second.MessageID, first.MessageID)
	}
	if last, _ := lg.LastPosition(context.Background()); last.EntryID != 0 {
		t.Fatalf("duplicate publish was re-persisted at %v", last)
	}
}

func TestPublish_TopicTerminatedSurfacesTopicTerminatedError(t *testing.T) {
	p, lg, rec := newFixture(t)
	lg.Terminate()

	payload := []byte("hello")
	csum := wire.Checksum(payload)
	p.Publish(context.Background(), PublishRequest{SequenceID: 1, Payload: payload, Checksum: &csum})

	waitFor(t, time.Second, func() bool { return len(rec.SendErrorsSnapshot()) == 1 })
	got := rec.SendErrorsSnapshot()[0]
	if !errors.Is(got.Err, managedlog.ErrTopicTerminated) {
		t.Fatalf("SendError.Err = %v; want ErrTopicTerminated", got.Err)
	}
}

func TestPublish_AfterGracefulCloseIsRejected(t *testing.T) {
	p, _, rec := newFixture(t)
	if err := p.Close(context.Background(), true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p.Publish(context.Background(), PublishRequest{SequenceID: 1, Payload: []byte("x")})
	waitFor(t, time.Second, func() bool { return len(rec.SendErrorsSnapshot()) == 1 })
	got := rec.SendErrorsSnapshot()[0]
	if !errors.Is(got.Err, managedlog.ErrPersistence) {
		t.Fatalf("SendError.Err = %v; want managedlog.ErrPersistence", got.Err)
	}
	if !errors.Is(got.Err, ErrClosedProducer) {
		t.Fatalf("SendError.Err = %v; want ErrClosedProducer", got.Err)
	}

	select {
	case <-p.Closed():
	default:
		t.Fatal("Closed() channel should be closed after a completed graceful Close")
	}
}

// gatedAppender wraps a Managed Log's Appender with a gate the test
// controls, so a forced Close can be driven to race a still-in-flight
// append deterministically instead of relying on goroutine scheduling.
type gatedAppender struct {
	inner managedlog.Appender
	gate  chan struct{}
}

func (g *gatedAppender) Append(ctx context.Context, data []byte) (managedlog.AppendResult, error) {
	<-g.gate
	return g.inner.Append(ctx, data)
}

func TestClose_ForcedCompletesOutstandingAppendWithPersistenceError(t *testing.T) {
	lg := memlog.New(1)
	ds := dedup.New(dedup.Config{}, log.Nop())
	if err := ds.Recover(context.Background(), lg); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	rec := conn.NewRecording()
	gate := make(chan struct{})
	p := New(1, "p1", &gatedAppender{inner: lg, gate: gate}, ds, rec, log.Nop())

	payload := []byte("hello")
	csum := wire.Checksum(payload)
	p.Publish(context.Background(), PublishRequest{SequenceID: 1, Payload: payload, Checksum: &csum})
	waitFor(t, time.Second, func() bool { return p.PendingPublishAcks() == 1 })

	closeDone := make(chan error, 1)
	go func() { closeDone <- p.Close(context.Background(), false) }()
	waitFor(t, time.Second, func() bool { return p.forced.Load() })

	// Only now let the gated append through, so it resolves after
	// forced was observed to be set -- the race Close(false) is meant
	// to win.
	close(gate)

	if err := <-closeDone; err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(rec.SendErrorsSnapshot()) == 1 })
	got := rec.SendErrorsSnapshot()[0]
	if !errors.Is(got.Err, managedlog.ErrPersistence) {
		t.Fatalf("SendError.Err = %v; want ErrPersistence", got.Err)
	}
	if len(rec.ReceiptsSnapshot()) != 0 {
		t.Fatalf("forced close should not emit a receipt for the in-flight publish: %v", rec.ReceiptsSnapshot())
	}
}
