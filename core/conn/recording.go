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

import "sync"

// Recording is a Connection that appends every write to an in-memory
// log instead of touching a transport, so consumer and dispatcher
// tests can assert on exactly what was sent without a real socket.
type Recording struct {
	mu         sync.Mutex
	Messages   []MessageFrame
	Receipts   []SendReceiptFrame
	SendErrors []SendErrorFrame
	EndOfTopic []ReachedEndOfTopicFrame
	Successes  []SuccessFrame
	Errors     []ErrorFrame

	writable atomicBool
	closed   bool
	inactive []func()
}

var _ Connection = (*Recording)(nil)

// NewRecording returns a writable Recording connection.
func NewRecording() *Recording {
	r := &Recording{}
	r.writable.set(true)
	return r
}

func (r *Recording) WriteMessage(f MessageFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.Messages = append(r.Messages, f)
	return nil
}

func (r *Recording) WriteReceipt(f SendReceiptFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.Receipts = append(r.Receipts, f)
	return nil
}

func (r *Recording) WriteSendError(f SendErrorFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.SendErrors = append(r.SendErrors, f)
	return nil
}

func (r *Recording) WriteReachedEndOfTopic(f ReachedEndOfTopicFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.EndOfTopic = append(r.EndOfTopic, f)
	return nil
}

func (r *Recording) WriteSuccess(f SuccessFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.Successes = append(r.Successes, f)
	return nil
}

func (r *Recording) WriteError(f ErrorFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosedConnection
	}
	r.Errors = append(r.Errors, f)
	return nil
}

func (r *Recording) IsWritable() bool { return r.writable.get() && !r.isClosed() }

// MessagesSnapshot returns a copy of the messages written so far, safe
// to call concurrently with writes from a dispatcher under test.
func (r *Recording) MessagesSnapshot() []MessageFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageFrame, len(r.Messages))
	copy(out, r.Messages)
	return out
}

// ReceiptsSnapshot returns a copy of the receipts written so far, safe
// to call concurrently with writes from a producer under test.
func (r *Recording) ReceiptsSnapshot() []SendReceiptFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SendReceiptFrame, len(r.Receipts))
	copy(out, r.Receipts)
	return out
}

// SendErrorsSnapshot returns a copy of the send errors written so far,
// safe to call concurrently with writes from a producer under test.
func (r *Recording) SendErrorsSnapshot() []SendErrorFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SendErrorFrame, len(r.SendErrors))
	copy(out, r.SendErrors)
	return out
}

// SetWritable lets a test simulate the connection's write buffer
// filling up, so a dispatcher under test caps its next read batch at 1.
func (r *Recording) SetWritable(w bool) { r.writable.set(w) }

func (r *Recording) Flush() error { return nil }

func (r *Recording) OnInactive(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactive = append(r.inactive, fn)
}

func (r *Recording) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cbs := r.inactive
	r.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
	return nil
}

func (r *Recording) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
