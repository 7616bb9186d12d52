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

// Package ratelimit implements the shared per-topic token bucket and the exponential backoff utility dispatchers use on
// read failure.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a two-dimensional (messages/s, bytes/s) token bucket. A
// zero rate on either dimension disables throttling for that
// dimension.
type Limiter struct {
	mu sync.Mutex

	msgRate  float64
	byteRate float64

	msgTokens  float64
	byteTokens float64

	last time.Time
}

// New returns a Limiter with the given per-second rates. A rate <= 0
// disables limiting on that dimension.
func New(msgsPerSec, bytesPerSec int) *Limiter {
	return &Limiter{
		msgRate:  float64(msgsPerSec),
		byteRate: float64(bytesPerSec),
		last:     time.Now(),
	}
}

// HasPermit reports whether at least one message may be read right
// now. Dispatchers consult this before issuing a read.
func (l *Limiter) HasPermit() bool {
	if l.msgRate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.msgTokens >= 1
}

// MessagePermits returns how many whole messages may currently be read
// under the message-rate dimension, capped at want. A disabled message
// dimension returns want unchanged.
func (l *Limiter) MessagePermits(want int) int {
	if l.msgRate <= 0 {
		return want
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	available := int(l.msgTokens)
	if available < want {
		return available
	}
	return want
}

// TryConsume records msgs messages and bytes bytes worth of
// consumption against the bucket, called after a dispatcher has
// actually sent data downstream.
func (l *Limiter) TryConsume(msgs, bytes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.msgRate > 0 {
		l.msgTokens -= float64(msgs)
	}
	if l.byteRate > 0 {
		l.byteTokens -= float64(bytes)
	}
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	if l.msgRate > 0 {
		l.msgTokens += elapsed * l.msgRate
		if l.msgTokens > l.msgRate {
			l.msgTokens = l.msgRate
		}
	}
	if l.byteRate > 0 {
		l.byteTokens += elapsed * l.byteRate
		if l.byteTokens > l.byteRate {
			l.byteTokens = l.byteRate
		}
	}
}
