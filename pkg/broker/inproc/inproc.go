// Package inproc implements broker.Broker as an in-memory message bus
// shared by every node instance in one process, grounded on the teacher's
// pkg/events.Broker: a buffered event channel, a broadcast goroutine, and
// per-subscriber buffered channels, adapted here to also carry
// point-to-point RPC and named-instance routing for the KVS core's
// multi-instance tests and single-process demos.
package inproc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/garrettbslone/flux-core/pkg/broker"
)

// Hub is the shared transport every in-process instance registers with,
// standing in for the production broker's network substrate.
type Hub struct {
	mu       sync.RWMutex
	brokers  map[string]*Broker
	leader   string
}

func NewHub() *Hub {
	return &Hub{brokers: make(map[string]*Broker)}
}

// NewBroker registers a new named instance with the hub and returns its
// Broker handle. rank 0 is recorded as the hub's leader for RPC targets
// left empty.
func (h *Hub) NewBroker(name string, rank int) *Broker {
	b := &Broker{
		hub:      h,
		name:     name,
		rank:     rank,
		handlers: make(map[string]broker.Handler),
		eventCh:  make(chan event, 100),
		stopCh:   make(chan struct{}),
	}
	h.mu.Lock()
	h.brokers[name] = b
	if rank == 0 {
		h.leader = name
	}
	h.mu.Unlock()
	return b
}

func (h *Hub) lookup(name string) (*Broker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if name == "" {
		name = h.leader
	}
	b, ok := h.brokers[name]
	return b, ok
}

func (h *Hub) all() []*Broker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Broker, 0, len(h.brokers))
	for _, b := range h.brokers {
		out = append(out, b)
	}
	return out
}

type event struct {
	topic   string
	payload []byte
	sender  string
}

type subscription struct {
	prefix  string
	handler broker.EventHandler
}

// Broker is one node instance's handle on the Hub.
type Broker struct {
	hub  *Hub
	name string
	rank int

	mu       sync.Mutex
	handlers map[string]broker.Handler
	subs     []subscription
	watchers []broker.Watcher

	eventCh chan event
	stopCh  chan struct{}
}

func (b *Broker) Rank() int { return b.rank }

// HandleRequest registers handler for topic, replacing any prior
// registration — the last registration for a topic wins, matching the
// teacher's map-based handler tables.
func (b *Broker) HandleRequest(topic string, handler broker.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

// RPC dispatches service to target (the hub's recorded leader if target
// is empty) and runs its registered handler on a separate goroutine,
// mirroring the async request/response primitive spec.md §6 assumes the
// broker provides.
func (b *Broker) RPC(ctx context.Context, service, target string, payload []byte) broker.Future {
	reply := make(chan result, 1)
	go func() {
		peer, ok := b.hub.lookup(target)
		if !ok {
			reply <- result{err: fmt.Errorf("inproc: no such broker %q", target)}
			return
		}
		peer.mu.Lock()
		h, ok := peer.handlers[service]
		peer.mu.Unlock()
		if !ok {
			reply <- result{err: fmt.Errorf("inproc: %s: no handler for %q", peer.name, service)}
			return
		}
		out, err := h(b.name, payload)
		reply <- result{payload: out, err: err}
	}()
	return &future{reply: reply}
}

// Publish enqueues an event for asynchronous broadcast, matching the
// teacher's non-blocking publish (select with a default never needed here
// since the channel is generously buffered; a full channel simply
// backpressures the publisher briefly rather than dropping, since setroot
// delivery must not be lossy).
func (b *Broker) Publish(topic string, payload []byte) {
	select {
	case b.eventCh <- event{topic: topic, payload: payload, sender: b.name}:
	case <-b.stopCh:
	}
}

// Subscribe registers handler for every topic with the given prefix.
func (b *Broker) Subscribe(prefix string, handler broker.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{prefix: prefix, handler: handler})
}

func (b *Broker) RegisterWatcher(w broker.Watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, w)
}

// Run drives this instance's reactor loop: the prepare/check/idle
// rotation spec.md §5 describes, plus this instance's own broadcast loop
// (publish fans out to every registered broker's subscriptions, this
// broker's own included).
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broker) tick() {
	b.mu.Lock()
	watchers := append([]broker.Watcher(nil), b.watchers...)
	b.mu.Unlock()

	ran := false
	for _, w := range watchers {
		if w.Prepare() {
			ran = true
		}
	}
	for _, w := range watchers {
		w.Check()
	}
	if !ran {
		for _, w := range watchers {
			w.Idle()
		}
	}
}

func (b *Broker) broadcast(ev event) {
	for _, peer := range b.hub.all() {
		peer.mu.Lock()
		subs := append([]subscription(nil), peer.subs...)
		peer.mu.Unlock()
		for _, s := range subs {
			if strings.HasPrefix(ev.topic, s.prefix) {
				s.handler(ev.sender, ev.topic, ev.payload)
			}
		}
	}
}

// Stop halts this instance's reactor loop.
func (b *Broker) Stop() { close(b.stopCh) }

type result struct {
	payload []byte
	err     error
}

type future struct {
	reply chan result
}

func (f *future) Await(ctx context.Context) ([]byte, error) {
	select {
	case r := <-f.reply:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
