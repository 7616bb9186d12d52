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

// SubMessage is one packed message inside a batch Entry.
type SubMessage struct {
	Metadata MessageMetadata
	Payload  []byte
}

// Entry is a positioned, persisted unit of the log: a single message,
// or a batch of NumMessagesInBatch sub-messages.
type Entry struct {
	Position Position
	Metadata MessageMetadata

	// Batch is nil for a non-batch entry. When present, len(Batch) ==
	// Metadata.NumMessagesInBatch and Payload is ignored in favor of
	// each sub-message's own payload.
	Batch []SubMessage

	// Payload is the entry's payload for a non-batch entry.
	Payload []byte
}

// IsBatch reports whether the entry carries its messages as a Batch of
// sub-messages (one or more).
func (e *Entry) IsBatch() bool { return len(e.Batch) > 0 }

// NumMessages returns the number of logical messages carried by the
// entry: len(Batch) for a batch, 1 otherwise.
func (e *Entry) NumMessages() int {
	if e.IsBatch() {
		return len(e.Batch)
	}
	return 1
}

// PartitionKey returns the key used for compaction/routing: the
// sub-message's key for batch index i, or the entry's own key for a
// non-batch entry.
func (e *Entry) PartitionKey(batchIdx int) string {
	if e.IsBatch() {
		return e.Batch[batchIdx].Metadata.PartitionKey
	}
	return e.Metadata.PartitionKey
}
