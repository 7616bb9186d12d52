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
	"testing"
	"time"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/consumer"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog/memlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

func appendEntry(t *testing.T, l *memlog.Log, producer string, seq uint64, key string) wire.Position {
	t.Helper()
	buf, err := wire.EncodeEntry(&wire.Entry{
		Metadata: wire.MessageMetadata{ProducerName: producer, SequenceID: seq, PartitionKey: key},
		Payload:  []byte("payload"),
	})
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	res, err := l.Append(nil, buf)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return res.Position
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

func newSingleActiveFixture(t *testing.T, exclusive bool, failoverDelay time.Duration) (*SingleActiveDispatcher, *memlog.Log) {
	t.Helper()
	l := memlog.New(1)
	cursor, err := l.OpenCursor(nil, "sub")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	d := NewSingleActive(cursor, exclusive, failoverDelay, false, l.Terminated, nil, log.Nop())
	return d, l
}

func newTestConsumer(id uint64, name string, cb consumer.Callbacks) (*consumer.Consumer, *conn.Recording) {
	rec := conn.NewRecording()
	c := consumer.New(id, name, 0, false, 0, rec, cb, log.Nop())
	return c, rec
}

func TestSingleActive_Exclusive_RejectsSecondConsumer(t *testing.T) {
	d, _ := newSingleActiveFixture(t, true, 0)
	c1, _ := newTestConsumer(1, "a", d)
	c2, _ := newTestConsumer(2, "b", d)

	if err := d.AddConsumer(c1); err != nil {
		t.Fatalf("AddConsumer(c1): %v", err)
	}
	if err := d.AddConsumer(c2); err != ErrConsumerBusy {
		t.Fatalf("AddConsumer(c2) = %v; want ErrConsumerBusy", err)
	}
}

func TestSingleActive_Exclusive_DeliversInOrder(t *testing.T) {
	d, l := newSingleActiveFixture(t, true, 0)
	c1, rec := newTestConsumer(1, "a", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}

	appendEntry(t, l, "p1", 1, "k1")
	appendEntry(t, l, "p1", 2, "k2")
	c1.GrantPermits(10)

	waitFor(t, time.Second, func() bool {
		return len(rec.MessagesSnapshot()) == 2
	})

	msgs := rec.MessagesSnapshot()
	if msgs[0].MessageID.EntryID != 0 || msgs[1].MessageID.EntryID != 1 {
		t.Fatalf("out of order delivery: %+v", msgs)
	}
}

func TestSingleActive_CanUnsubscribe_OnlySoleActiveConsumer(t *testing.T) {
	d, _ := newSingleActiveFixture(t, false, 0)
	c1, _ := newTestConsumer(1, "a", d)
	c2, _ := newTestConsumer(2, "b", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}
	if err := d.AddConsumer(c2); err != nil {
		t.Fatal(err)
	}

	if d.CanUnsubscribe(c1.ID) {
		t.Fatal("CanUnsubscribe should be false with two consumers present")
	}

	if err := d.RemoveConsumer(c2); err != nil {
		t.Fatal(err)
	}
	if !d.CanUnsubscribe(c1.ID) {
		t.Fatal("sole remaining active consumer should be allowed to unsubscribe")
	}
}

func TestSingleActive_Failover_RewindsOnActiveChange(t *testing.T) {
	d, l := newSingleActiveFixture(t, false, 0)
	c1, rec1 := newTestConsumer(1, "a", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}
	appendEntry(t, l, "p1", 1, "k1")
	c1.GrantPermits(10)
	waitFor(t, time.Second, func() bool { return len(rec1.MessagesSnapshot()) == 1 })

	// No ack issued; failing c1 (by removing it) should make b active and
	// redeliver the same unacked entry once it has permits, since the
	// cursor rewinds on active change rather than needing an explicit ack
	// miss.
	c2, rec2 := newTestConsumer(2, "b", d)
	if err := d.AddConsumer(c2); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveConsumer(c1); err != nil {
		t.Fatal(err)
	}
	c2.GrantPermits(10)

	waitFor(t, time.Second, func() bool { return len(rec2.MessagesSnapshot()) >= 1 })
}
