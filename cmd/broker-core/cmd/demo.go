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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog/memlog"
	"github.com/pepper-iot/pulsar-broker-core/core/producer"
	"github.com/pepper-iot/pulsar-broker-core/core/topic"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// newDemoCmd builds the "demo" subcommand: an in-process run of an
// Exclusive-subscription publish/consume cycle against core/topic.Topic
// over core/managedlog/memlog that prints every delivered message (no
// acks are sent). It
// exists to let an operator exercise the dispatch core's wiring without
// a real client or transport, neither of which this module owns.
func newDemoCmd() *cobra.Command {
	var messageCount int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Publishes and consumes a burst of messages against an in-memory topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), messageCount)
		},
	}
	cmd.Flags().IntVar(&messageCount, "messages", 10, "number of messages to publish")
	return cmd
}

func runDemo(ctx context.Context, messageCount int) error {
	logger := log.New(cfg.logConfig())

	lg := memlog.New(1)
	id := topic.Identity{Tenant: cfg.Tenant, Namespace: cfg.Namespace, LocalName: cfg.Topic, Persistent: true}
	top := topic.New(id, lg, cfg.topicConfig(), logger)
	if err := top.RecoverDedup(ctx); err != nil {
		return fmt.Errorf("broker-core: recovering dedup state: %w", err)
	}

	producerConn := conn.NewRecording()
	pub, err := top.NewProducer("demo-producer", producerConn)
	if err != nil {
		return fmt.Errorf("broker-core: attaching producer: %w", err)
	}

	consumerConn := conn.NewRecording()
	consumerHandle, _, err := top.Subscribe(ctx, "demo-subscription", topic.Exclusive, "demo-consumer", 0, consumerConn)
	if err != nil {
		return fmt.Errorf("broker-core: subscribing: %w", err)
	}
	consumerHandle.GrantPermits(int32(messageCount))

	for i := 1; i <= messageCount; i++ {
		pub.Publish(ctx, producer.PublishRequest{SequenceID: uint64(i), Payload: []byte(fmt.Sprintf("message-%d", i))})
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(consumerConn.MessagesSnapshot()) < messageCount && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	received := consumerConn.MessagesSnapshot()
	fmt.Printf("published %d messages, delivered %d to %q\n", messageCount, len(received), id.String())
	for _, m := range received {
		fmt.Printf("  %s seq=%d payload=%s\n", m.MessageID.String(), m.Metadata.SequenceID, m.Payload)
	}

	if err := top.CloseProducer(ctx, pub.ID, true); err != nil {
		return fmt.Errorf("broker-core: closing producer: %w", err)
	}
	return nil
}
