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

package wire

import (
	"errors"
	"testing"

	"github.com/golang/protobuf/proto" //nolint:staticcheck // minimal proto.Equal use, see metadata.go
)

func TestEncodeDecodeEntryNonBatch(t *testing.T) {
	e := &Entry{
		Position: Position{LedgerID: 1, EntryID: 5},
		Metadata: MessageMetadata{
			ProducerName:       "p1",
			SequenceID:         42,
			PublishTime:        1000,
			PartitionKey:       "k1",
			NumMessagesInBatch: 1,
		},
		Payload: []byte("hello world"),
	}

	buf, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}

	got, err := DecodeEntry(e.Position, buf, true)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}

	if !proto.Equal(&got.Metadata, &e.Metadata) {
		t.Fatalf("metadata mismatch: got %+v want %+v", got.Metadata, e.Metadata)
	}
	if string(got.Payload) != string(e.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, e.Payload)
	}
}

func TestEncodeDecodeEntryBatch(t *testing.T) {
	e := &Entry{
		Position: Position{LedgerID: 2, EntryID: 9},
		Metadata: MessageMetadata{
			ProducerName:       "p1",
			SequenceID:         7,
			NumMessagesInBatch: 2,
		},
		Batch: []SubMessage{
			{Metadata: MessageMetadata{PartitionKey: "a"}, Payload: []byte("one")},
			{Metadata: MessageMetadata{PartitionKey: "b"}, Payload: []byte("two")},
		},
	}

	buf, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}

	got, err := DecodeEntry(e.Position, buf, true)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}

	if len(got.Batch) != 2 {
		t.Fatalf("expected 2 sub-messages, got %d", len(got.Batch))
	}
	for i, sm := range got.Batch {
		if string(sm.Payload) != string(e.Batch[i].Payload) {
			t.Errorf("batch[%d] payload mismatch: got %q want %q", i, sm.Payload, e.Batch[i].Payload)
		}
		if sm.Metadata.PartitionKey != e.Batch[i].Metadata.PartitionKey {
			t.Errorf("batch[%d] key mismatch: got %q want %q", i, sm.Metadata.PartitionKey, e.Batch[i].Metadata.PartitionKey)
		}
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	e := &Entry{Metadata: MessageMetadata{NumMessagesInBatch: 1}, Payload: []byte("abc")}
	buf, err := EncodeEntry(e)
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	buf[len(buf)-1] ^= 0xFF // corrupt the last payload byte

	pos := Position{LedgerID: 3, EntryID: 4}
	_, err = DecodeEntry(pos, buf, true)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("DecodeEntry error = %v; want ErrChecksumMismatch", err)
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("DecodeEntry error = %v; want *DecodeError", err)
	}
	if decodeErr.Position != pos {
		t.Fatalf("DecodeError.Position = %v; want %v", decodeErr.Position, pos)
	}
}

func TestDecodeEntryTruncatedCarriesPosition(t *testing.T) {
	pos := Position{LedgerID: 1, EntryID: 2}
	_, err := DecodeEntry(pos, []byte("short"), true)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("DecodeEntry error = %v; want ErrTruncated", err)
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.Position != pos {
		t.Fatalf("DecodeEntry error = %v; want *DecodeError at %v", err, pos)
	}
}

func TestEntryBufferPoolReuse(t *testing.T) {
	p := NewEntryBufferPool(64, 2)
	b1 := p.Get()
	b1.WriteString("x")
	p.Put(b1)

	b2 := p.Get()
	if b2.Len() != 0 {
		t.Fatalf("expected reused buffer to be reset, got len %d", b2.Len())
	}
}
