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

import "fmt"

// MessageMetadata is the per-entry (or per-sub-message, for batches)
// metadata carried alongside a message's payload. It implements the
// minimal golang/protobuf proto.Message surface
// (Reset/String/ProtoMessage) so that proto.Equal can be used to
// compare metadata in tests.
type MessageMetadata struct {
	ProducerName   string
	SequenceID     uint64
	PublishTime    uint64 // millis since epoch
	PartitionKey   string
	ReplicateTo    []string
	ReplicatedFrom string
	CompactedOut   bool

	// Set only when ProducerName carries a replicator prefix (§4.3
	// Admission): the original producer's identity, substituted in for
	// dedup purposes.
	OriginalProducerName string
	OriginalSequenceID   uint64

	// NumMessagesInBatch is >=1 on the outer entry metadata; batch
	// sub-message metadata always carries 1 implicitly and is not
	// itself batched.
	NumMessagesInBatch int32
}

// Reset implements proto.Message.
func (m *MessageMetadata) Reset() { *m = MessageMetadata{} }

// String implements proto.Message.
func (m *MessageMetadata) String() string { return fmt.Sprintf("%+v", *m) }

// ProtoMessage implements proto.Message.
func (m *MessageMetadata) ProtoMessage() {}

// IsReplicated reports whether this message arrived via cross-cluster
// replication (§4.6 loop prevention: ReplicatedFrom is set by the
// origin cluster and must never be re-replicated).
func (m *MessageMetadata) IsReplicated() bool { return m.ReplicatedFrom != "" }

// ReplicatesTo reports whether cluster is included in ReplicateTo. An
// empty ReplicateTo list means "replicate everywhere".
func (m *MessageMetadata) ReplicatesTo(cluster string) bool {
	if len(m.ReplicateTo) == 0 {
		return true
	}
	for _, c := range m.ReplicateTo {
		if c == cluster {
			return true
		}
	}
	return false
}

// IsReplicatorProducer reports whether producerName carries the
// replicator prefix used to smuggle the original producer's identity
// through cross-cluster replication (§4.3 Admission).
func IsReplicatorProducer(producerName string) bool {
	const prefix = "pulsar.repl."
	return len(producerName) > len(prefix) && producerName[:len(prefix)] == prefix
}
