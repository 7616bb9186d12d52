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

// Package topic ties the dispatch core's leaf components together into
// a tree of unique ownership: a Topic owns its Subscriptions, each
// Subscription owns exactly one Dispatcher
// and its consumer list, and a Consumer never holds a back-reference to
// any of its owners -- only the narrow consumer.Callbacks and
// conn.Connection handles already modeled in core/consumer and
// core/conn. Topic also owns the producer registry and the dedup store
// that publishes on this topic's Managed Log are admitted through.
package topic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pepper-iot/pulsar-broker-core/core/compaction"
	"github.com/pepper-iot/pulsar-broker-core/core/conn"
	"github.com/pepper-iot/pulsar-broker-core/core/consumer"
	"github.com/pepper-iot/pulsar-broker-core/core/dedup"
	"github.com/pepper-iot/pulsar-broker-core/core/dispatch"
	"github.com/pepper-iot/pulsar-broker-core/core/managedlog"
	"github.com/pepper-iot/pulsar-broker-core/core/metrics"
	"github.com/pepper-iot/pulsar-broker-core/core/producer"
	"github.com/pepper-iot/pulsar-broker-core/core/ratelimit"
	"github.com/pepper-iot/pulsar-broker-core/pkg/log"
)

// SubType is the subscription semantics: exactly one of Exclusive,
// Failover, Shared or Compactor, immutable once the Subscription is
// created.
type SubType int

const (
	Exclusive SubType = iota
	Failover
	Shared
	Compactor
)

func (t SubType) String() string {
	switch t {
	case Exclusive:
		return "Exclusive"
	case Failover:
		return "Failover"
	case Shared:
		return "Shared"
	case Compactor:
		return "Compactor"
	default:
		return "Unknown"
	}
}

var (
	// ErrSubTypeMismatch is returned by Subscribe when name already
	// names a Subscription of a different SubType.
	ErrSubTypeMismatch = errors.New("topic: subscription already exists with a different subscription type")
	// ErrServiceUnitNotReady is returned by Subscribe/NewProducer once the
	// topic has been administratively terminated.
	ErrServiceUnitNotReady = errors.New("topic: service unit not ready")
	// ErrTooManyConsumers is returned when a namespace policy limit
	// is reached.
	ErrTooManyConsumers = errors.New("topic: too many consumers")
	// ErrReservedSubscriptionName is returned by Subscribe for the
	// reserved __compaction name and __dedup name, neither of which a
	// client may subscribe to directly.
	ErrReservedSubscriptionName = errors.New("topic: subscription name is reserved")
)

// Config collects every recognized topic option, passed down as a
// plain struct rather than an ambient global singleton.
type Config struct {
	MaxUnackedPerConsumer     int32
	MaxUnackedPerSubscription int32

	SnapshotInterval          int
	MaxProducersInSnapshot    int
	ProducerInactivityTimeout time.Duration

	ActiveConsumerFailoverDelay time.Duration

	MaxReadBatchSize       int
	MaxRoundRobinBatchSize int

	ReadFailureBackoffInitial time.Duration
	ReadFailureBackoffMax     time.Duration

	DispatchRateMsg      int
	DispatchRateByte     int
	ThrottleOnNonBacklog bool

	ReplicatorQueueSize         int
	ReplicatorQueueThresholdPct float64
	ReplicatorMessageTTL        time.Duration

	MaxConsumersPerTopic        int
	MaxConsumersPerSubscription int

	DedupEnabled bool
}

// defaulted returns a copy of cfg with its stated defaults filled in
// for zero fields.
func (cfg Config) defaulted() Config {
	if cfg.MaxReadBatchSize <= 0 {
		cfg.MaxReadBatchSize = dispatch.MaxReadBatch
	}
	if cfg.MaxRoundRobinBatchSize <= 0 {
		cfg.MaxRoundRobinBatchSize = dispatch.MaxRoundRobinBatch
	}
	if cfg.ReplicatorQueueThresholdPct <= 0 {
		cfg.ReplicatorQueueThresholdPct = 0.9
	}
	if cfg.ReadFailureBackoffInitial <= 0 {
		cfg.ReadFailureBackoffInitial = time.Second
	}
	if cfg.ReadFailureBackoffMax <= 0 {
		cfg.ReadFailureBackoffMax = 60 * time.Second
	}
	return cfg
}

// Identity is the (tenant, namespace, localName) triple that names a
// Topic, plus the persistence discriminator.
type Identity struct {
	Tenant     string
	Namespace  string
	LocalName  string
	Persistent bool
}

func (id Identity) String() string {
	kind := "persistent"
	if !id.Persistent {
		kind = "non-persistent"
	}
	return fmt.Sprintf("%s://%s/%s/%s", kind, id.Tenant, id.Namespace, id.LocalName)
}

// Subscription is a named cursor over a Topic with an associated
// Dispatcher. It owns the Dispatcher and, transitively
// through it, every attached Consumer.
type Subscription struct {
	Name    string
	SubType SubType

	topic      *Topic
	cursor     managedlog.Cursor
	dispatcher dispatch.Dispatcher

	mu        sync.Mutex
	consumers map[uint64]*consumer.Consumer
}

func (s *Subscription) addConsumerAccounting(c *consumer.Consumer) {
	s.mu.Lock()
	s.consumers[c.ID] = c
	s.mu.Unlock()
}

func (s *Subscription) removeConsumerAccounting(id uint64) {
	s.mu.Lock()
	delete(s.consumers, id)
	empty := len(s.consumers) == 0
	s.mu.Unlock()
	if empty {
		s.topic.maybeDelete()
	}
}

// ConsumerCount returns the number of consumers currently attached.
func (s *Subscription) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Unsubscribe is gated by the dispatcher's CanUnsubscribe check:
// Exclusive/Failover only allow it from the sole remaining active
// consumer; Shared always allows an individual consumer to leave.
func (s *Subscription) Unsubscribe(ctx context.Context, consumerID uint64) error {
	if !s.dispatcher.CanUnsubscribe(consumerID) {
		return fmt.Errorf("topic: subscription %q: consumer %d may not unsubscribe yet", s.Name, consumerID)
	}
	s.mu.Lock()
	c, ok := s.consumers[consumerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic: subscription %q: no such consumer %d", s.Name, consumerID)
	}
	_ = s.dispatcher.RemoveConsumer(c)
	s.removeConsumerAccounting(consumerID)
	return nil
}

// Topic is the logical stream: owns one Managed Log (the persistent
// case) and zero or more Subscriptions, plus the producer registry and
// dedup store publishes on this topic go through.
type Topic struct {
	Identity Identity
	cfg      Config
	log      log.Logger

	managedLog managedlog.Log
	dedupStore *dedup.Store
	limiter    *ratelimit.Limiter

	nextConsumerID atomic.Uint64
	nextProducerID atomic.Uint64

	compactedLedgerID  atomic.Int64
	hasCompactedLedger atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]*Subscription
	producers     map[uint64]*producer.Producer
}

var _ compaction.CompactedTopicView = (*Topic)(nil)

// New returns a Topic over managedLog, ready for Subscribe/NewProducer.
// If cfg.DedupEnabled, callers must call RecoverDedup before accepting
// publishes.
func New(id Identity, managedLog managedlog.Log, cfg Config, logger log.Logger) *Topic {
	cfg = cfg.defaulted()
	t := &Topic{
		Identity:      id,
		cfg:           cfg,
		log:           logger.SubLogger(log.Fields{"topic": id.String()}),
		managedLog:    managedLog,
		subscriptions: make(map[string]*Subscription),
		producers:     make(map[uint64]*producer.Producer),
	}
	if cfg.DispatchRateMsg > 0 || cfg.DispatchRateByte > 0 {
		t.limiter = ratelimit.New(cfg.DispatchRateMsg, cfg.DispatchRateByte)
	}
	if cfg.DedupEnabled {
		t.dedupStore = dedup.New(dedup.Config{
			SnapshotInterval:     cfg.SnapshotInterval,
			MaxProducersSnapshot: cfg.MaxProducersInSnapshot,
			InactivityTimeout:    cfg.ProducerInactivityTimeout,
		}, t.log)
	}
	return t
}

// RecoverDedup runs dedup recovery against this topic's Managed Log.
// A no-op if dedup is disabled.
func (t *Topic) RecoverDedup(ctx context.Context) error {
	if t.dedupStore == nil {
		return nil
	}
	return t.dedupStore.Recover(ctx, t.managedLog)
}

// Terminated reports whether the underlying Managed Log has been
// administratively terminated, the predicate C4/C5's
// "NoMoreEntriesToRead + zero backlog + terminated" end-of-topic rule
// checks. Termination itself is the Managed Log's
// concern; a
// Topic only asks.
func (t *Topic) Terminated() bool { return t.managedLog.Terminated() }

// Terminate asks the underlying Managed Log to stop accepting appends,
// when it supports that operation (every backend under this module's
// control does; a production Managed Log administers termination
// through its own out-of-scope control plane).
func (t *Topic) Terminate() {
	if term, ok := t.managedLog.(interface{ Terminate() }); ok {
		term.Terminate()
	}
}

// SetCompactedLedger implements compaction.CompactedTopicView: records the ledger id a completed compaction run produced, so
// a subsequent readCompacted=true subscribe can be routed to it.
func (t *Topic) SetCompactedLedger(ledgerID int64) {
	t.compactedLedgerID.Store(ledgerID)
	t.hasCompactedLedger.Store(true)
}

// CompactedLedgerID returns the most recently compacted ledger's id, if
// any compaction run has ever completed on this topic.
func (t *Topic) CompactedLedgerID() (int64, bool) {
	return t.compactedLedgerID.Load(), t.hasCompactedLedger.Load()
}

// Subscribe creates the named Subscription on first use (opening its
// cursor and
// constructing the SubType-appropriate Dispatcher) or reuses an
// existing one, then attaches a new Consumer. Exclusive's second
// consumer is rejected by the dispatcher itself with
// dispatch.ErrConsumerBusy; maxConsumersPerTopic/Subscription (0
// disables) are enforced here.
func (t *Topic) Subscribe(ctx context.Context, name string, subType SubType, consumerName string, priority int32, c conn.Connection) (*consumer.Consumer, *Subscription, error) {
	if t.Terminated() {
		return nil, nil, ErrServiceUnitNotReady
	}
	if name == dedup.CursorName || name == compaction.SubscriptionName {
		return nil, nil, ErrReservedSubscriptionName
	}

	sub, err := t.subscriptionFor(ctx, name, subType)
	if err != nil {
		return nil, nil, err
	}

	if t.cfg.MaxConsumersPerSubscription > 0 && sub.ConsumerCount() >= t.cfg.MaxConsumersPerSubscription {
		return nil, nil, ErrTooManyConsumers
	}
	if t.cfg.MaxConsumersPerTopic > 0 && t.totalConsumers() >= t.cfg.MaxConsumersPerTopic {
		return nil, nil, ErrTooManyConsumers
	}

	id := t.nextConsumerID.Add(1)
	cons := consumer.New(id, consumerName, priority, subType == Shared, t.cfg.MaxUnackedPerConsumer, c, sub.dispatcher.(consumer.Callbacks), t.log)
	if err := sub.dispatcher.AddConsumer(cons); err != nil {
		return nil, nil, err
	}
	sub.addConsumerAccounting(cons)
	c.OnInactive(func() { cons.Disconnect(errors.New("topic: connection became inactive")) })
	return cons, sub, nil
}

func (t *Topic) totalConsumers() int {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	total := 0
	for _, s := range subs {
		total += s.ConsumerCount()
	}
	return total
}

// subscriptionFor returns the existing Subscription named name,
// checking subType against the recorded one, or
// creates it against a freshly opened cursor.
func (t *Topic) subscriptionFor(ctx context.Context, name string, subType SubType) (*Subscription, error) {
	t.mu.Lock()
	if existing, ok := t.subscriptions[name]; ok {
		t.mu.Unlock()
		if existing.SubType != subType {
			return nil, ErrSubTypeMismatch
		}
		return existing, nil
	}
	t.mu.Unlock()

	cursor, err := t.managedLog.OpenCursor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("topic: open cursor %q: %w", name, err)
	}

	sub := &Subscription{
		Name:      name,
		SubType:   subType,
		cursor:    cursor,
		consumers: make(map[uint64]*consumer.Consumer),
	}
	sub.topic = t
	m := metrics.ForSubscription(t.Identity.String(), name)

	switch subType {
	case Exclusive, Failover:
		sub.dispatcher = dispatch.NewSingleActive(cursor, subType == Exclusive, t.cfg.ActiveConsumerFailoverDelay, !t.Identity.Persistent, t.Terminated, m, t.log)
	case Shared:
		sub.dispatcher = dispatch.NewShared(cursor, t.cfg.MaxUnackedPerSubscription, t.limiter, t.cfg.ThrottleOnNonBacklog, t.Terminated, m, t.log)
	default:
		return nil, fmt.Errorf("topic: unsupported subscription type %v for %q", subType, name)
	}

	t.mu.Lock()
	if existing, ok := t.subscriptions[name]; ok {
		t.mu.Unlock()
		// Lost a race to create the same subscription concurrently;
		// the cursor we just opened is idempotently reused by name so
		// nothing leaks, we just discard the dispatcher we built.
		if existing.SubType != subType {
			return nil, ErrSubTypeMismatch
		}
		return existing, nil
	}
	t.subscriptions[name] = sub
	t.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes consumerID from subName's Subscription (gated as
// Subscription.Unsubscribe describes) and removes the Subscription
// entirely once its last consumer has left.
func (t *Topic) Unsubscribe(ctx context.Context, subName string, consumerID uint64) error {
	t.mu.Lock()
	sub, ok := t.subscriptions[subName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic: no such subscription %q", subName)
	}
	if err := sub.Unsubscribe(ctx, consumerID); err != nil {
		return err
	}
	if sub.ConsumerCount() == 0 {
		t.mu.Lock()
		if t.subscriptions[subName] == sub {
			delete(t.subscriptions, subName)
		}
		t.mu.Unlock()
		t.maybeDelete()
	}
	return nil
}

// NewProducer implements the producer-attachment half of C2: allocates
// a ProducerID and builds a core/producer.Producer bound to this
// topic's Managed Log and dedup store. When DedupEnabled is false the
// producer gets its own fresh Store instead: nothing is recovered or
// snapshotted, but a sequence id that is not above the highest one this
// producer has already sent is still rejected as a duplicate.
func (t *Topic) NewProducer(name string, c conn.Connection) (*producer.Producer, error) {
	if t.Terminated() {
		return nil, ErrServiceUnitNotReady
	}
	dedupStore := t.dedupStore
	if dedupStore == nil {
		dedupStore = dedup.New(dedup.Config{}, log.Nop())
	}
	id := t.nextProducerID.Add(1)
	p := producer.New(id, name, t.managedLog, dedupStore, c, t.log)

	t.mu.Lock()
	t.producers[id] = p
	t.mu.Unlock()
	return p, nil
}

// CloseProducer removes id from the registry once its Close has
// resolved and re-checks the empty-topic deletion predicate.
func (t *Topic) CloseProducer(ctx context.Context, id uint64, graceful bool) error {
	t.mu.Lock()
	p, ok := t.producers[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic: no such producer %d", id)
	}
	err := p.Close(ctx, graceful)
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
	t.maybeDelete()
	return err
}

// Deletable reports whether this topic has no producers and no
// subscriptions left, and so nothing owns its backlog anymore.
func (t *Topic) Deletable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.producers) == 0 && len(t.subscriptions) == 0
}

func (t *Topic) maybeDelete() {
	if t.Deletable() {
		t.log.Infof("topic: %s has no producers or subscriptions left", t.Identity.String())
	}
}

// NewReplicatorSubscription wires a Replicator dispatcher for
// remoteCluster over a dedicated cursor, the cross-cluster forwarding
// counterpart this Topic owns alongside its client-facing
// subscriptions.
func (t *Topic) NewReplicatorSubscription(ctx context.Context, remoteCluster string, remote dispatch.RemoteProducer) (*Subscription, error) {
	name := "pulsar.repl." + remoteCluster
	t.mu.Lock()
	if existing, ok := t.subscriptions[name]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.mu.Unlock()

	cursor, err := t.managedLog.OpenCursor(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("topic: open replicator cursor: %w", err)
	}
	m := metrics.ForSubscription(t.Identity.String(), name)
	d := dispatch.NewReplicator(cursor, remoteCluster, remote, t.cfg.ReplicatorQueueSize, t.cfg.ReplicatorQueueThresholdPct, t.cfg.ReplicatorMessageTTL, m, t.log)

	sub := &Subscription{Name: name, SubType: Failover, topic: t, cursor: cursor, dispatcher: d, consumers: make(map[uint64]*consumer.Consumer)}
	t.mu.Lock()
	t.subscriptions[name] = sub
	t.mu.Unlock()
	d.ReadMoreEntries()
	return sub, nil
}

// NewCompactionRun builds a compaction.Compactor/Subscription pair
// bound to this topic, ready for Compact to be
// invoked by an operator-triggered or scheduled job; the dispatch core
// itself never schedules compaction runs automatically.
func (t *Topic) NewCompactionRun(ctx context.Context, newLedger compaction.LedgerFactory, maxOutstanding int) (*compaction.Compactor, *compaction.Subscription, managedlog.Cursor, error) {
	cursor, err := t.managedLog.OpenCursor(ctx, compaction.SubscriptionName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("topic: open compaction cursor: %w", err)
	}
	scanCursor, err := t.managedLog.OpenCursor(ctx, compaction.SubscriptionName+".scan")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("topic: open compaction scan cursor: %w", err)
	}
	sub := compaction.NewSubscription(cursor, t)
	c := compaction.New(t.managedLog, newLedger, maxOutstanding, t.log)
	return c, sub, scanCursor, nil
}

// SortedSubscriptionNames returns every subscription name in
// lexicographic order, for deterministic admin listings.
func (t *Topic) SortedSubscriptionNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.subscriptions))
	for n := range t.subscriptions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
