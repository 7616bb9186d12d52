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

package compaction

import (
	"context"
	"errors"
	"testing"

	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog/memlog"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

func appendKeyed(t *testing.T, lg *memlog.Log, key string, payload string) wire.Position {
	t.Helper()
	raw, err := wire.EncodeEntry(&wire.Entry{
		Metadata: wire.MessageMetadata{PartitionKey: key, NumMessagesInBatch: 1},
		Payload:  []byte(payload),
	})
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	res, err := lg.Append(context.Background(), raw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return res.Position
}

type recordingView struct {
	ledgerID int64
	set      bool
}

func (v *recordingView) SetCompactedLedger(id int64) { v.ledgerID = id; v.set = true }

func newScanCursor(t *testing.T, lg *memlog.Log, name string) managedlog.Cursor {
	t.Helper()
	c, err := lg.OpenCursor(context.Background(), name)
	if err != nil {
		t.Fatalf("OpenCursor(%s): %v", name, err)
	}
	return c
}

func readAllSync(t *testing.T, lg *memlog.Log) []*wire.Entry {
	t.Helper()
	ctx := context.Background()
	// Terminate first: on an unterminated log a read at the end waits
	// for more appends instead of reporting ErrNoMoreEntriesToRead.
	lg.Terminate()
	cur, err := lg.OpenCursor(ctx, "verify")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	var out []*wire.Entry
	for {
		entries, err := readSync(ctx, cur, 1)
		if err != nil {
			if errors.Is(err, managedlog.ErrNoMoreEntriesToRead) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		out = append(out, entries...)
	}
	return out
}

// TestCompact_RetainsOnlyLatestPerKey checks that input
// (k=a,v=1)@0, (k=b,v=1)@1, (k=a,v=2)@2, (k=c,v=1)@3, (k=a,v=3)@4
// compacts down to exactly the messages at positions 1, 3, 4 in order.
func TestCompact_RetainsOnlyLatestPerKey(t *testing.T) {
	ctx := context.Background()
	source := memlog.New(1)

	appendKeyed(t, source, "a", "v1")
	appendKeyed(t, source, "b", "v1")
	appendKeyed(t, source, "a", "v2")
	appendKeyed(t, source, "c", "v1")
	aPos := appendKeyed(t, source, "a", "v3")

	view := &recordingView{}
	compactionCursor := newScanCursor(t, source, SubscriptionName)
	sub := NewSubscription(compactionCursor, view)
	scanCursor := newScanCursor(t, source, "__compaction_scan")

	var compacted *memlog.Log
	compactor := New(source, func(context.Context) (Ledger, error) {
		compacted = memlog.New(101)
		return compacted, nil
	}, 0, log.Nop())

	result, err := compactor.Compact(ctx, scanCursor, sub)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if result.Retained != 3 {
		t.Fatalf("Retained = %d; want 3", result.Retained)
	}
	if result.Dropped != 2 {
		t.Fatalf("Dropped = %d; want 2", result.Dropped)
	}
	if result.To != aPos {
		t.Fatalf("To = %v; want %v", result.To, aPos)
	}

	ledgerID, ok := sub.CompactedLedgerID()
	if !ok {
		t.Fatal("expected CompactedTopicLedger property to be set")
	}
	if ledgerID != result.LedgerID {
		t.Fatalf("CompactedLedgerID() = %d; want %d", ledgerID, result.LedgerID)
	}
	if !view.set || view.ledgerID != ledgerID {
		t.Fatalf("view not informed with ledger id: %+v", view)
	}
	if compactionCursor.MarkDeletedPosition() != aPos {
		t.Fatalf("compaction cursor mark-delete = %v; want %v", compactionCursor.MarkDeletedPosition(), aPos)
	}

	entries := readAllSync(t, compacted)
	if len(entries) != 3 {
		t.Fatalf("compacted ledger has %d entries; want 3", len(entries))
	}
	wantPayloads := []string{"v1", "v1", "v3"} // b, c, a respectively
	for i, e := range entries {
		if string(e.Payload) != wantPayloads[i] {
			t.Fatalf("entry %d payload = %q; want %q", i, e.Payload, wantPayloads[i])
		}
	}
}

func TestCompact_BatchPartialRetention(t *testing.T) {
	ctx := context.Background()
	source := memlog.New(1)

	// Entry 0: standalone key "a" value 1 (superseded by the batch below).
	appendKeyed(t, source, "a", "v1")

	// Entry 1: a batch with sub-messages for "a" (newer, wins) and "b".
	raw, err := wire.EncodeEntry(&wire.Entry{
		Metadata: wire.MessageMetadata{NumMessagesInBatch: 2},
		Batch: []wire.SubMessage{
			{Metadata: wire.MessageMetadata{PartitionKey: "a"}, Payload: []byte("v2")},
			{Metadata: wire.MessageMetadata{PartitionKey: "b"}, Payload: []byte("v1")},
		},
	})
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	batchRes, err := source.Append(ctx, raw)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	view := &recordingView{}
	compactionCursor := newScanCursor(t, source, SubscriptionName)
	sub := NewSubscription(compactionCursor, view)
	scanCursor := newScanCursor(t, source, "__compaction_scan")

	var compacted *memlog.Log
	compactor := New(source, func(context.Context) (Ledger, error) {
		compacted = memlog.New(999)
		return compacted, nil
	}, 0, log.Nop())

	result, err := compactor.Compact(ctx, scanCursor, sub)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if result.To != batchRes.Position {
		t.Fatalf("To = %v; want %v", result.To, batchRes.Position)
	}
	// The standalone "a" entry is superseded by the batch's "a" sub-message
	// and dropped; the batch itself is retained (it has a live key).
	if result.Retained != 1 || result.Dropped != 1 {
		t.Fatalf("Retained=%d Dropped=%d; want 1,1", result.Retained, result.Dropped)
	}

	entries := readAllSync(t, compacted)
	if len(entries) != 1 {
		t.Fatalf("compacted ledger has %d entries; want 1", len(entries))
	}
	out := entries[0]
	if !out.IsBatch() || len(out.Batch) != 2 {
		t.Fatalf("expected the batch to be written whole, got %+v", out)
	}
	if out.Batch[0].Metadata.CompactedOut {
		t.Fatal("sub-message 'a' is the winner and must not be marked compacted out")
	}
	if string(out.Batch[0].Payload) != "v2" {
		t.Fatalf("sub-message 'a' payload = %q; want v2", out.Batch[0].Payload)
	}
	if out.Batch[1].Metadata.CompactedOut {
		t.Fatal("sub-message 'b' is its own key's latest value and must survive")
	}
}

func TestCompact_NothingToCompactOnEmptyLog(t *testing.T) {
	source := memlog.New(1)
	compactionCursor := newScanCursor(t, source, SubscriptionName)
	sub := NewSubscription(compactionCursor, nil)
	scanCursor := newScanCursor(t, source, "__compaction_scan")

	compactor := New(source, func(context.Context) (Ledger, error) {
		return memlog.New(1), nil
	}, 0, log.Nop())

	if _, err := compactor.Compact(context.Background(), scanCursor, sub); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("Compact on empty log: err = %v; want ErrNothingToCompact", err)
	}
}

func TestCompact_DeletesLedgerOnFailure(t *testing.T) {
	ctx := context.Background()
	source := memlog.New(1)
	appendKeyed(t, source, "a", "v1")

	compactionCursor := newScanCursor(t, source, SubscriptionName)
	sub := NewSubscription(compactionCursor, nil)
	scanCursor := newScanCursor(t, source, "__compaction_scan")

	failingLedger := memlog.New(7)
	// Force the ledger into a state where Append always fails, so
	// phase 2 surfaces an error and Compact must clean up.
	_ = failingLedger.Delete(ctx)

	compactor := New(source, func(context.Context) (Ledger, error) {
		return failingLedger, nil
	}, 0, log.Nop())

	if _, err := compactor.Compact(ctx, scanCursor, sub); err == nil {
		t.Fatal("expected Compact to fail when the fresh ledger cannot accept appends")
	}
	if _, ok := sub.CompactedLedgerID(); ok {
		t.Fatal("compaction subscription must not be acked on a failed run")
	}
}
