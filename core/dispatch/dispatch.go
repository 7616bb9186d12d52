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

// Package dispatch implements the three subscription dispatcher state
// machines that mediate between a cursor and a set of connected
// consumers: SingleActive (Exclusive/Failover, C4), Multi (Shared, C5)
// and Replicator (cross-cluster forwarding, C6).
package dispatch

import (
	"context"
	"errors"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/consumer"
	"github.com/pepper-iot/pulsar-broker-core/core/wire"
)

// Kind tags which of the dispatcher variants a Dispatcher value is,
// since they're modeled as a tagged set of implementations sharing one
// interface rather than a class hierarchy.
type Kind int

const (
	KindSingleActive Kind = iota
	KindMulti
	KindReplicator
	KindCompactor
)

func (k Kind) String() string {
	switch k {
	case KindSingleActive:
		return "SingleActive"
	case KindMulti:
		return "Multi"
	case KindReplicator:
		return "Replicator"
	case KindCompactor:
		return "Compactor"
	default:
		return "Unknown"
	}
}

// ErrConsumerBusy is returned by AddConsumer when an Exclusive
// dispatcher already has a consumer attached.
var ErrConsumerBusy = errors.New("dispatch: consumer busy")

// Dispatcher is the capability set every dispatcher variant implements:
// attaching and detaching consumers, driving the read loop, and
// applying flow control and redelivery requests from them.
type Dispatcher interface {
	Kind() Kind
	AddConsumer(c *consumer.Consumer) error
	RemoveConsumer(c *consumer.Consumer) error
	ReadMoreEntries()
	ConsumerFlow(consumerID uint64, n int32) error
	Redeliver(consumerID uint64, positions []wire.Position) error
	CanUnsubscribe(consumerID uint64) bool
	Close(ctx context.Context) error
}

// entryBatchSize returns the number of logical messages an entry
// carries, used uniformly by every dispatcher when converting a read
// result into consumer.Entry values.
func entryBatchSize(e *wire.Entry) int32 {
	if e.IsBatch() {
		return int32(len(e.Batch))
	}
	return 1
}

// reachedEndOfTopicFrame builds the REACHED_END_OF_TOPIC frame a
// dispatcher sends every consumer once a terminated topic's backlog is
// fully drained.
func reachedEndOfTopicFrame(consumerID uint64) conn.ReachedEndOfTopicFrame {
	return conn.ReachedEndOfTopicFrame{ConsumerID: consumerID}
}

// writeEntry pushes one read entry to c's connection as one MESSAGE
// frame per logical sub-message, so a batched entry fans out into
// BatchIndex 0..n-1 the way a consumer expects to redeliver individual
// batch indexes.
func writeEntry(c *consumer.Consumer, e *wire.Entry, batchSize int32) {
	if !e.IsBatch() {
		_ = c.Conn.WriteMessage(conn.MessageFrame{
			ConsumerID: c.ID,
			MessageID:  e.Position,
			BatchIndex: -1,
			Metadata:   e.Metadata,
			Payload:    e.Payload,
		})
		return
	}
	for i, sub := range e.Batch {
		_ = c.Conn.WriteMessage(conn.MessageFrame{
			ConsumerID: c.ID,
			MessageID:  e.Position,
			BatchIndex: int32(i),
			Metadata:   sub.Metadata,
			Payload:    sub.Payload,
		})
	}
	_ = batchSize
}
