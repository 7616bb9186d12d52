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

package topic

import (
	"context"
	"errors"
	"testing"

	"github.com/pepper-iot/pulsar-broker-core/core/compaction"
	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/dedup"
	"github.com/pepper-iot/pulsar-broker-core/core/dispatch"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog/memlog"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

func newTestTopic(t *testing.T, cfg Config) (*Topic, *memlog.Log) {
	t.Helper()
	lg := memlog.New(1)
	id := Identity{Tenant: "public", Namespace: "default", LocalName: "t1", Persistent: true}
	return New(id, lg, cfg, log.Nop()), lg
}

func TestSubscribe_Exclusive_SecondConsumerBusy(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()

	c1 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "sub1", Exclusive, "consumer-a", 0, c1); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}

	c2 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "sub1", Exclusive, "consumer-b", 0, c2); !errors.Is(err, dispatch.ErrConsumerBusy) {
		t.Fatalf("second Subscribe = %v; want ErrConsumerBusy", err)
	}
}

func TestSubscribe_SubTypeMismatchRejected(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()

	c1 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "sub1", Exclusive, "consumer-a", 0, c1); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}

	c2 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "sub1", Shared, "consumer-b", 0, c2); !errors.Is(err, ErrSubTypeMismatch) {
		t.Fatalf("Subscribe with mismatched SubType = %v; want ErrSubTypeMismatch", err)
	}
}

func TestSubscribe_Shared_AllowsManyConsumers(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()

	for i, name := range []string{"c1", "c2", "c3"} {
		c := conn.NewRecording()
		_, sub, err := top.Subscribe(ctx, "shared1", Shared, name, 0, c)
		if err != nil {
			t.Fatalf("Subscribe(%s): %v", name, err)
		}
		if sub.ConsumerCount() != i+1 {
			t.Fatalf("ConsumerCount() = %d; want %d", sub.ConsumerCount(), i+1)
		}
	}
}

func TestSubscribe_ReservedNamesRejected(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()
	c := conn.NewRecording()

	if _, _, err := top.Subscribe(ctx, dedup.CursorName, Shared, "x", 0, c); !errors.Is(err, ErrReservedSubscriptionName) {
		t.Fatalf("Subscribe(__dedup) = %v; want ErrReservedSubscriptionName", err)
	}
	if _, _, err := top.Subscribe(ctx, compaction.SubscriptionName, Shared, "x", 0, c); !errors.Is(err, ErrReservedSubscriptionName) {
		t.Fatalf("Subscribe(__compaction) = %v; want ErrReservedSubscriptionName", err)
	}
}

func TestSubscribe_MaxConsumersPerSubscription(t *testing.T) {
	top, _ := newTestTopic(t, Config{MaxConsumersPerSubscription: 1})
	ctx := context.Background()

	c1 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "shared1", Shared, "c1", 0, c1); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	c2 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "shared1", Shared, "c2", 0, c2); !errors.Is(err, ErrTooManyConsumers) {
		t.Fatalf("second Subscribe = %v; want ErrTooManyConsumers", err)
	}
}

func TestSubscribe_MaxConsumersPerTopic(t *testing.T) {
	top, _ := newTestTopic(t, Config{MaxConsumersPerTopic: 1})
	ctx := context.Background()

	c1 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "shared1", Shared, "c1", 0, c1); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	c2 := conn.NewRecording()
	if _, _, err := top.Subscribe(ctx, "shared2", Shared, "c2", 0, c2); !errors.Is(err, ErrTooManyConsumers) {
		t.Fatalf("Subscribe on a second subscription = %v; want ErrTooManyConsumers", err)
	}
}

func TestSubscribe_RejectedAfterTermination(t *testing.T) {
	top, lg := newTestTopic(t, Config{})
	lg.Terminate()

	c := conn.NewRecording()
	if _, _, err := top.Subscribe(context.Background(), "sub1", Shared, "c1", 0, c); !errors.Is(err, ErrServiceUnitNotReady) {
		t.Fatalf("Subscribe after terminate = %v; want ErrServiceUnitNotReady", err)
	}
}

func TestUnsubscribe_ExclusiveGatedByDispatcher(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()

	c1 := conn.NewRecording()
	cons1, sub, err := top.Subscribe(ctx, "sub1", Failover, "c1", 10, c1)
	if err != nil {
		t.Fatalf("Subscribe(c1): %v", err)
	}
	c2 := conn.NewRecording()
	cons2, _, err := top.Subscribe(ctx, "sub1", Failover, "c2", 5, c2)
	if err != nil {
		t.Fatalf("Subscribe(c2): %v", err)
	}

	// Two consumers are attached to a Failover subscription: the backup
	// (cons2, which sorts after cons1 by name) may not unsubscribe ahead
	// of the active consumer vacating, per
	// dispatch.SingleActiveDispatcher.CanUnsubscribe.
	if err := sub.Unsubscribe(ctx, cons2.ID); err == nil {
		t.Fatal("expected Unsubscribe to be gated while two consumers remain")
	}

	if err := top.Unsubscribe(ctx, "sub1", cons1.ID); err != nil {
		t.Fatalf("Unsubscribe(cons1): %v", err)
	}
	if sub.ConsumerCount() != 1 {
		t.Fatalf("ConsumerCount() after removing cons1 = %d; want 1", sub.ConsumerCount())
	}

	if err := sub.Unsubscribe(ctx, cons2.ID); err != nil {
		t.Fatalf("Unsubscribe(cons2) as sole remaining consumer: %v", err)
	}
	if sub.ConsumerCount() != 0 {
		t.Fatalf("ConsumerCount() after removing cons2 = %d; want 0", sub.ConsumerCount())
	}
}

func TestNewProducer_RejectedAfterTermination(t *testing.T) {
	top, lg := newTestTopic(t, Config{})
	lg.Terminate()

	if _, err := top.NewProducer("p1", conn.NewRecording()); !errors.Is(err, ErrServiceUnitNotReady) {
		t.Fatalf("NewProducer after terminate = %v; want ErrServiceUnitNotReady", err)
	}
}

func TestDeletable_TracksProducersAndSubscriptions(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()

	if !top.Deletable() {
		t.Fatal("a brand new topic should be Deletable")
	}

	p, err := top.NewProducer("p1", conn.NewRecording())
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if top.Deletable() {
		t.Fatal("topic with an attached producer must not be Deletable")
	}
	if err := top.CloseProducer(ctx, p.ID, false); err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}
	if !top.Deletable() {
		t.Fatal("topic should be Deletable again once its only producer closes")
	}

	c := conn.NewRecording()
	cons, sub, err := top.Subscribe(ctx, "sub1", Shared, "c1", 0, c)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = sub
	if top.Deletable() {
		t.Fatal("topic with an attached subscription must not be Deletable")
	}
	if err := top.Unsubscribe(ctx, "sub1", cons.ID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestCompactedLedger_RoundTripsThroughCompactionView(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	if _, ok := top.CompactedLedgerID(); ok {
		t.Fatal("a fresh topic must report no compacted ledger")
	}
	top.SetCompactedLedger(42)
	id, ok := top.CompactedLedgerID()
	if !ok || id != 42 {
		t.Fatalf("CompactedLedgerID() = (%d, %v); want (42, true)", id, ok)
	}
}

func TestSortedSubscriptionNames(t *testing.T) {
	top, _ := newTestTopic(t, Config{})
	ctx := context.Background()
	for _, name := range []string{"zzz", "aaa", "mmm"} {
		if _, _, err := top.Subscribe(ctx, name, Shared, "c", 0, conn.NewRecording()); err != nil {
			t.Fatalf("Subscribe(%s): %v", name, err)
		}
	}
	got := top.SortedSubscriptionNames()
	want := []string{"aaa", "mmm", "zzz"}
	if len(got) != len(want) {
		t.Fatalf("SortedSubscriptionNames() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedSubscriptionNames() = %v; want %v", got, want)
		}
	}
}
