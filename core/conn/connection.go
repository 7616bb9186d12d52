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

// Package conn models the framed, back-pressured byte channel a
// dispatcher writes messages onto: a single-writer, buffer-pooled
// connection that pushes MESSAGE/SEND_RECEIPT/SEND_ERROR/
// REACHED_END_OF_TOPIC frames to a connected consumer or producer.
package conn

import (
	"errors"

	"github.com/pepper-iot/pulsar-broker-core/core/wire"
)

// ErrClosedConnection is returned by any write after Close.
var ErrClosedConnection = errors.New("conn: connection is closed")

// MessageFrame is the MESSAGE frame pushed to a consumer.
type MessageFrame struct {
	ConsumerID uint64
	MessageID  wire.Position
	BatchIndex int32
	Metadata   wire.MessageMetadata
	Payload    []byte
	RedeliveryCount uint32
}

// SendReceiptFrame acknowledges a successful publish.
type SendReceiptFrame struct {
	ProducerID uint64
	SequenceID uint64
	MessageID  wire.Position
}

// SendErrorFrame reports a publish failure to the producer. Checksum
// and terminated-topic errors are sent back with the original seqId so
// the producer can match the failure to its pending send.
type SendErrorFrame struct {
	ProducerID uint64
	SequenceID uint64
	Err        error
}

// ReachedEndOfTopicFrame notifies a consumer that the topic has been
// terminated and fully drained.
type ReachedEndOfTopicFrame struct {
	ConsumerID uint64
}

// SuccessFrame/ErrorFrame answer simple request/response commands
// (Unsubscribe, etc).
type SuccessFrame struct {
	RequestID uint64
}

type ErrorFrame struct {
	RequestID uint64
	Err       error
}

// Connection is the write side of the framed channel. Frame decoding
// (the read side: Publish/Ack/Flow/Redeliver/Unsubscribe) is out of
// scope here -- it is consumed by the producer and consumer packages
// as already-parsed Go method calls, not as wire frames.
type Connection interface {
	WriteMessage(MessageFrame) error
	WriteReceipt(SendReceiptFrame) error
	WriteSendError(SendErrorFrame) error
	WriteReachedEndOfTopic(ReachedEndOfTopicFrame) error
	WriteSuccess(SuccessFrame) error
	WriteError(ErrorFrame) error

	// IsWritable reports whether the underlying transport's write
	// buffer has room; a dispatcher consults this before a large read
	// to decide whether to cap its batch at 1.
	IsWritable() bool

	Flush() error

	// OnInactive registers fn to be called once, the first time the
	// connection becomes unusable (network close, or explicit Close).
	// A consumer holds a non-owning handle to its Connection and learns
	// about disconnects this way instead of the connection holding a
	// back-reference to the consumer.
	OnInactive(fn func())

	Close() error
}
