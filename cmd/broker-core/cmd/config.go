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

package cmd

import (
	"time"

	"github.com/pepper-iot/pulsar-broker-core/core/topic"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// brokerConfig is the viper-bound superset of core/topic.Config plus the
// logging knobs of pkg/log.Config, keyed case-insensitively the way
// viper matches flags and config-file entries.
type brokerConfig struct {
	LogLevel   string `mapstructure:"log-level"`
	LogConsole bool   `mapstructure:"log-console"`
	LogFile    string `mapstructure:"log-file"`

	Tenant    string `mapstructure:"tenant"`
	Namespace string `mapstructure:"namespace"`
	Topic     string `mapstructure:"topic"`

	MaxUnackedPerConsumer       int32         `mapstructure:"max-unacked-per-consumer"`
	MaxUnackedPerSubscription   int32         `mapstructure:"max-unacked-per-subscription"`
	SnapshotInterval            int           `mapstructure:"snapshot-interval"`
	MaxProducersInSnapshot      int           `mapstructure:"max-producers-in-snapshot"`
	ProducerInactivityTimeout   time.Duration `mapstructure:"producer-inactivity-timeout"`
	ActiveConsumerFailoverDelay time.Duration `mapstructure:"active-consumer-failover-delay"`
	MaxReadBatchSize            int           `mapstructure:"max-read-batch-size"`
	MaxRoundRobinBatchSize      int           `mapstructure:"max-round-robin-batch-size"`
	ReadFailureBackoffInitial   time.Duration `mapstructure:"read-failure-backoff-initial"`
	ReadFailureBackoffMax       time.Duration `mapstructure:"read-failure-backoff-max"`
	DispatchRateMsg             int           `mapstructure:"dispatch-rate-msg"`
	DispatchRateByte            int           `mapstructure:"dispatch-rate-byte"`
	ThrottleOnNonBacklog        bool          `mapstructure:"throttle-on-non-backlog"`
	ReplicatorQueueSize         int           `mapstructure:"replicator-queue-size"`
	ReplicatorQueueThresholdPct float64       `mapstructure:"replicator-queue-threshold-pct"`
	ReplicatorMessageTTL        time.Duration `mapstructure:"replicator-message-ttl"`
	MaxConsumersPerTopic        int           `mapstructure:"max-consumers-per-topic"`
	MaxConsumersPerSubscription int           `mapstructure:"max-consumers-per-subscription"`
	DedupEnabled                bool          `mapstructure:"dedup-enabled"`
}

func (c brokerConfig) logConfig() log.Config {
	return log.Config{
		Level:    c.LogLevel,
		Console:  c.LogConsole,
		FilePath: c.LogFile,
	}
}

func (c brokerConfig) topicConfig() topic.Config {
	return topic.Config{
		MaxUnackedPerConsumer:       c.MaxUnackedPerConsumer,
		MaxUnackedPerSubscription:   c.MaxUnackedPerSubscription,
		SnapshotInterval:            c.SnapshotInterval,
		MaxProducersInSnapshot:      c.MaxProducersInSnapshot,
		ProducerInactivityTimeout:   c.ProducerInactivityTimeout,
		ActiveConsumerFailoverDelay: c.ActiveConsumerFailoverDelay,
		MaxReadBatchSize:            c.MaxReadBatchSize,
		MaxRoundRobinBatchSize:      c.MaxRoundRobinBatchSize,
		ReadFailureBackoffInitial:   c.ReadFailureBackoffInitial,
		ReadFailureBackoffMax:       c.ReadFailureBackoffMax,
		DispatchRateMsg:             c.DispatchRateMsg,
		DispatchRateByte:            c.DispatchRateByte,
		ThrottleOnNonBacklog:        c.ThrottleOnNonBacklog,
		ReplicatorQueueSize:         c.ReplicatorQueueSize,
		ReplicatorQueueThresholdPct: c.ReplicatorQueueThresholdPct,
		ReplicatorMessageTTL:        c.ReplicatorMessageTTL,
		MaxConsumersPerTopic:        c.MaxConsumersPerTopic,
		MaxConsumersPerSubscription: c.MaxConsumersPerSubscription,
		DedupEnabled:                c.DedupEnabled,
	}
}

func defaultBrokerConfig() brokerConfig {
	return brokerConfig{
		LogLevel:  "info",
		Tenant:    "public",
		Namespace: "default",
		Topic:     "demo-topic",
	}
}
