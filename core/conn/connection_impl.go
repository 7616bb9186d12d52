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

package conn

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/pepper-iot/pulsar-broker-core/core/wire"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

type frameKind byte

const (
	kindMessage frameKind = iota + 1
	kindReceipt
	kindSendError
	kindReachedEndOfTopic
	kindSuccess
	kindError
)

// FramedConnection is a length-prefixed, single-writer Connection over
// an io.Writer: a buffer-pooled, mutex-serialized write path that
// pushes broker frames to a consumer or producer.
type FramedConnection struct {
	w   io.Writer
	wmu sync.Mutex // serializes writes onto w

	bufPool *wire.EntryBufferPool

	writable atomic.Bool
	closed   atomic.Bool

	inactiveMu sync.Mutex
	inactive   []func()

	log log.Logger
}

var _ Connection = (*FramedConnection)(nil)

// NewFramedConnection wraps w with per-connection debug logging of
// each frame written.
func NewFramedConnection(w io.Writer, logger log.Logger) *FramedConnection {
	c := &FramedConnection{
		w:       w,
		bufPool: wire.NewEntryBufferPool(1024, 64),
		log:     logger,
	}
	c.writable.Store(true)
	return c
}

func (c *FramedConnection) WriteMessage(f MessageFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.ConsumerID)
	writeU64(&body, uint64(f.MessageID.LedgerID))
	writeU64(&body, uint64(f.MessageID.EntryID))
	writeU32(&body, uint32(f.BatchIndex))
	writeU32(&body, f.RedeliveryCount)
	writeU32(&body, uint32(len(f.Payload)))
	body.Write(f.Payload)
	return c.writeFrame(kindMessage, body.Bytes())
}

func (c *FramedConnection) WriteReceipt(f SendReceiptFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.ProducerID)
	writeU64(&body, f.SequenceID)
	writeU64(&body, uint64(f.MessageID.LedgerID))
	writeU64(&body, uint64(f.MessageID.EntryID))
	return c.writeFrame(kindReceipt, body.Bytes())
}

func (c *FramedConnection) WriteSendError(f SendErrorFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.ProducerID)
	writeU64(&body, f.SequenceID)
	writeString(&body, errString(f.Err))
	return c.writeFrame(kindSendError, body.Bytes())
}

func (c *FramedConnection) WriteReachedEndOfTopic(f ReachedEndOfTopicFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.ConsumerID)
	return c.writeFrame(kindReachedEndOfTopic, body.Bytes())
}

func (c *FramedConnection) WriteSuccess(f SuccessFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.RequestID)
	return c.writeFrame(kindSuccess, body.Bytes())
}

func (c *FramedConnection) WriteError(f ErrorFrame) error {
	var body bytes.Buffer
	writeU64(&body, f.RequestID)
	writeString(&body, errString(f.Err))
	return c.writeFrame(kindError, body.Bytes())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *FramedConnection) IsWritable() bool { return c.writable.Load() && !c.closed.Load() }

// SetWritable lets tests (and a real transport's buffer-high-watermark
// hook) flip writability without tearing the connection down.
func (c *FramedConnection) SetWritable(w bool) { c.writable.Store(w) }

func (c *FramedConnection) Flush() error { return nil }

func (c *FramedConnection) OnInactive(fn func()) {
	c.inactiveMu.Lock()
	defer c.inactiveMu.Unlock()
	c.inactive = append(c.inactive, fn)
}

func (c *FramedConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.inactiveMu.Lock()
	cbs := c.inactive
	c.inactiveMu.Unlock()
	for _, fn := range cbs {
		fn()
	}
	return nil
}

// writeFrame encodes a length-prefixed [totalSize][kind][body] frame
// and writes it under wmu so concurrent callers never interleave
// partial frames on the wire.
func (c *FramedConnection) writeFrame(kind frameKind, body []byte) error {
	if c.closed.Load() {
		return ErrClosedConnection
	}

	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)

	writeU32(buf, uint32(len(body)+1))
	buf.WriteByte(byte(kind))
	buf.Write(body)

	c.log.Debugf("conn: writing frame kind=%d size=%d", kind, buf.Len())

	c.wmu.Lock()
	_, err := buf.WriteTo(c.w)
	c.wmu.Unlock()
	return err
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}
