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

// Package metrics holds the local prometheus instrumentation the
// dispatch core exposes: non-persistent drop accounting, replicator
// TTL expiry, and per-dispatcher gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dispatch bundles the counters/gauges a single dispatcher instance
// reports against, pre-labelled with its topic and subscription so
// callers never touch label values directly.
type Dispatch struct {
	MessagesDropped   prometheus.Counter
	MessagesExpired   prometheus.Counter
	ReadBatchSize     prometheus.Gauge
	UnackedMessages   prometheus.Gauge
	BlockedOnUnacked  prometheus.Gauge
}

var (
	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_broker_dispatch_messages_dropped_total",
		Help: "Messages dropped on a non-persistent topic because the active consumer's connection was not writable.",
	}, []string{"topic", "subscription"})

	messagesExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_broker_replicator_messages_expired_total",
		Help: "Messages the replicator dispatcher dropped because they exceeded the topic's message TTL.",
	}, []string{"topic", "subscription"})

	readBatchSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsar_broker_dispatch_read_batch_size",
		Help: "Current doubling read-batch size for a dispatcher.",
	}, []string{"topic", "subscription"})

	unackedMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsar_broker_dispatch_unacked_messages",
		Help: "Total unacked messages tracked by a dispatcher.",
	}, []string{"topic", "subscription"})

	blockedOnUnacked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsar_broker_dispatch_blocked_on_unacked",
		Help: "1 when a dispatcher is blocked on maxUnackedPerSubscription, 0 otherwise.",
	}, []string{"topic", "subscription"})
)

func init() {
	prometheus.MustRegister(messagesDropped, messagesExpired, readBatchSize, unackedMessages, blockedOnUnacked)
}

// ForSubscription returns the labelled metric set for one
// (topic, subscription) pair.
func ForSubscription(topic, subscription string) *Dispatch {
	labels := prometheus.Labels{"topic": topic, "subscription": subscription}
	return &Dispatch{
		MessagesDropped:  messagesDropped.With(labels),
		MessagesExpired:  messagesExpired.With(labels),
		ReadBatchSize:    readBatchSize.With(labels),
		UnackedMessages:  unackedMessages.With(labels),
		BlockedOnUnacked: blockedOnUnacked.With(labels),
	}
}
