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

import "bytes"

// EntryBufferPool recycles the byte buffers used to encode/decode
// entries, backed by a buffered channel acting as a bounded free list.
// It is meant to be owned by whichever object is doing the allocating
// (in this module, one EntryBufferPool per conn.FramedConnection) rather than
// shared as a package-level variable, so its lifetime and memory
// footprint track the object that uses it.
type EntryBufferPool struct {
	pool  chan *bytes.Buffer
	size  int
	limit int
}

// NewEntryBufferPool returns a pool that recycles up to limit buffers
// of the given initial size.
func NewEntryBufferPool(size, limit int) *EntryBufferPool {
	return &EntryBufferPool{
		pool:  make(chan *bytes.Buffer, limit),
		size:  size,
		limit: limit,
	}
}

// Get returns a reset buffer, reusing a recycled one when available.
func (p *EntryBufferPool) Get() *bytes.Buffer {
	select {
	case b := <-p.pool:
		b.Reset()
		return b
	default:
		return bytes.NewBuffer(make([]byte, 0, p.size))
	}
}

// Put returns b to the pool for reuse, dropping it if the pool is full.
func (p *EntryBufferPool) Put(b *bytes.Buffer) {
	select {
	case p.pool <- b:
	default:
	}
}
