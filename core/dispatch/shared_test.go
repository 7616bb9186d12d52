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

func newSharedFixture(t *testing.T, maxUnackedPerSubscription int32) (*SharedDispatcher, *memlog.Log) {
	t.Helper()
	l := memlog.New(1)
	cursor, err := l.OpenCursor(nil, "shared-sub")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	d := NewShared(cursor, maxUnackedPerSubscription, nil, false, l.Terminated, nil, log.Nop())
	return d, l
}

// newSharedTestConsumer builds a Shared consumer: unlike
// single_active_test.go's newTestConsumer (hard-coded shared=false),
// a Shared consumer needs Shared=true so Dispatch populates
// pendingAcks and Ack/StealAck can find them.
func newSharedTestConsumer(id uint64, name string, cb consumer.Callbacks) (*consumer.Consumer, *conn.Recording) {
	rec := conn.NewRecording()
	c := consumer.New(id, name, 0, true, 0, rec, cb, log.Nop())
	return c, rec
}

func TestShared_RoundRobinAcrossConsumers(t *testing.T) {
	d, l := newSharedFixture(t, 0)
	c1, rec1 := newSharedTestConsumer(1, "a", d)
	c2, rec2 := newSharedTestConsumer(2, "b", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}
	if err := d.AddConsumer(c2); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		appendEntry(t, l, "p1", uint64(i), "k")
	}
	c1.GrantPermits(2)
	c2.GrantPermits(2)

	waitFor(t, time.Second, func() bool {
		return len(rec1.MessagesSnapshot())+len(rec2.MessagesSnapshot()) == 4
	})
	if got := len(rec1.MessagesSnapshot()); got != 2 {
		t.Fatalf("consumer a got %d messages; want 2", got)
	}
	if got := len(rec2.MessagesSnapshot()); got != 2 {
		t.Fatalf("consumer b got %d messages; want 2", got)
	}
}

func TestShared_ZeroPermitConsumerIsSkipped(t *testing.T) {
	d, l := newSharedFixture(t, 0)
	c1, rec1 := newSharedTestConsumer(1, "a", d)
	c2, rec2 := newSharedTestConsumer(2, "b", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}
	if err := d.AddConsumer(c2); err != nil {
		t.Fatal(err)
	}

	appendEntry(t, l, "p1", 1, "k")
	appendEntry(t, l, "p1", 2, "k")
	c1.GrantPermits(2) // c2 keeps zero permits

	waitFor(t, time.Second, func() bool { return len(rec1.MessagesSnapshot()) == 2 })
	if got := len(rec2.MessagesSnapshot()); got != 0 {
		t.Fatalf("zero-permit consumer b received %d messages; want 0", got)
	}
}

func TestShared_UndispatchedTailGoesToReplaySet(t *testing.T) {
	d, l := newSharedFixture(t, 0)
	c1, rec1 := newSharedTestConsumer(1, "a", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}

	appendEntry(t, l, "p1", 1, "k")
	appendEntry(t, l, "p1", 2, "k")
	c1.GrantPermits(1) // only one of the two entries can be dispatched now

	waitFor(t, time.Second, func() bool { return len(rec1.MessagesSnapshot()) == 1 })

	d.mu.Lock()
	replayLen := len(d.replayOrder)
	d.mu.Unlock()
	if replayLen != 1 {
		t.Fatalf("replaySet length = %d; want 1 undispatched entry queued for replay", replayLen)
	}

	c1.GrantPermits(1)
	waitFor(t, time.Second, func() bool { return len(rec1.MessagesSnapshot()) == 2 })
}

func TestShared_DispatcherLevelBlockAndUnblockAtHalf(t *testing.T) {
	d, l := newSharedFixture(t, 4)
	c1, rec1 := newSharedTestConsumer(1, "a", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		appendEntry(t, l, "p1", uint64(i), "k")
	}
	c1.GrantPermits(4)
	waitFor(t, time.Second, func() bool { return len(rec1.MessagesSnapshot()) == 4 })

	d.mu.Lock()
	blocked := d.blockedOnUnacked
	d.mu.Unlock()
	if !blocked {
		t.Fatal("dispatcher should be blockedOnUnacked at maxUnackedPerSubscription")
	}

	for i := 0; i < 3; i++ {
		pos := wire.Position{LedgerID: 1, EntryID: int64(i)}
		if err := c1.Ack(pos, consumer.AckIndividual); err != nil {
			t.Fatalf("Ack(%v): %v", pos, err)
		}
	}

	d.mu.Lock()
	blocked = d.blockedOnUnacked
	d.mu.Unlock()
	if blocked {
		t.Fatal("dispatcher should unblock once unacked count drops below half of max")
	}
}

func TestShared_CanUnsubscribeAlwaysTrue(t *testing.T) {
	d, _ := newSharedFixture(t, 0)
	c1, _ := newSharedTestConsumer(1, "a", d)
	if err := d.AddConsumer(c1); err != nil {
		t.Fatal(err)
	}
	if !d.CanUnsubscribe(c1.ID) {
		t.Fatal("Shared consumers may always unsubscribe")
	}
}
