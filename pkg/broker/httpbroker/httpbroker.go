// Package httpbroker implements broker.Broker over net/http + JSON,
// grounded on the quorum replicator pattern in the example pack's
// distributed-kvstore reference (internal/cluster/replicator.go): a small
// http.Client fans RPCs and event broadcasts out to a static peer list,
// while an http.Server dispatches inbound requests to registered
// handlers. This is the binding used across real node processes; inproc
// is used for same-process tests and demos.
package httpbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/garrettbslone/flux-core/pkg/broker"
)

// Peer is one other node instance reachable over HTTP.
type Peer struct {
	Name string
	Rank int
	Addr string // "host:port", no scheme
}

// Config configures one Broker binding.
type Config struct {
	Self       Peer
	Peers      []Peer // every other instance, self excluded
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type subscription struct {
	prefix  string
	handler broker.EventHandler
}

// Broker is the HTTP binding of broker.Broker.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	handlers map[string]broker.Handler
	subs     []subscription
	watchers []broker.Watcher

	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config) *Broker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Broker{
		cfg:      cfg,
		handlers: make(map[string]broker.Handler),
		client:   client,
		log:      cfg.Logger.With().Str("component", "httpbroker").Logger(),
	}
}

func (b *Broker) Rank() int { return b.cfg.Self.Rank }

func (b *Broker) HandleRequest(topic string, handler broker.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

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

func (b *Broker) peer(target string) (Peer, bool) {
	if target == "" {
		for _, p := range b.cfg.Peers {
			if p.Rank == 0 {
				return p, true
			}
		}
		if b.cfg.Self.Rank == 0 {
			return b.cfg.Self, true
		}
		return Peer{}, false
	}
	if target == b.cfg.Self.Name {
		return b.cfg.Self, true
	}
	for _, p := range b.cfg.Peers {
		if p.Name == target {
			return p, true
		}
	}
	return Peer{}, false
}

// RPC POSTs payload to the target instance's /rpc/<service> endpoint.
func (b *Broker) RPC(ctx context.Context, service, target string, payload []byte) broker.Future {
	reply := make(chan result, 1)
	go func() {
		p, ok := b.peer(target)
		if !ok {
			reply <- result{err: fmt.Errorf("httpbroker: unknown target %q", target)}
			return
		}
		url := fmt.Sprintf("http://%s/rpc/%s", p.Addr, service)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			reply <- result{err: err}
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Kvs-Sender", b.cfg.Self.Name)
		resp, err := b.client.Do(req)
		if err != nil {
			reply <- result{err: err}
			return
		}
		defer resp.Body.Close()
		out, err := io.ReadAll(resp.Body)
		if err != nil {
			reply <- result{err: err}
			return
		}
		if resp.StatusCode != http.StatusOK {
			reply <- result{err: fmt.Errorf("httpbroker: %s replied %s: %s", p.Name, resp.Status, string(out))}
			return
		}
		reply <- result{payload: out}
	}()
	return &future{reply: reply}
}

// Publish fans payload out to every peer's /events/<topic> endpoint,
// fire-and-forget, matching spec.md §6's non-blocking publish.
func (b *Broker) Publish(topic string, payload []byte) {
	for _, p := range b.cfg.Peers {
		go func(p Peer) {
			url := fmt.Sprintf("http://%s/events/%s", p.Addr, topic)
			req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Kvs-Sender", b.cfg.Self.Name)
			resp, err := b.client.Do(req)
			if err != nil {
				b.log.Warn().Err(err).Str("peer", p.Name).Str("topic", topic).Msg("event delivery failed")
				return
			}
			resp.Body.Close()
		}(p)
	}
	b.dispatchLocal(b.cfg.Self.Name, topic, payload)
}

func (b *Broker) dispatchLocal(sender, topic string, payload []byte) {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if strings.HasPrefix(topic, s.prefix) {
			s.handler(sender, topic, payload)
		}
	}
}

// ServeHTTP implements the inbound side: POST /rpc/<service> dispatches to
// a registered Handler, POST /events/<topic> dispatches to every matching
// subscription.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sender := r.Header.Get("X-Kvs-Sender")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/rpc/"):
		service := strings.TrimPrefix(r.URL.Path, "/rpc/")
		b.mu.Lock()
		h, ok := b.handlers[service]
		b.mu.Unlock()
		if !ok {
			http.Error(w, "no handler for "+service, http.StatusNotFound)
			return
		}
		out, err := h(sender, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	case strings.HasPrefix(r.URL.Path, "/events/"):
		topic := strings.TrimPrefix(r.URL.Path, "/events/")
		b.dispatchLocal(sender, topic, body)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

// Run drives the reactor's prepare/check/idle rotation on a fixed tick
// until ctx is canceled. The HTTP server itself is started separately by
// the caller (cmd/kvsd) so it can share the listener with /metrics and
// /healthz.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
	for _, wt := range watchers {
		if wt.Prepare() {
			ran = true
		}
	}
	for _, wt := range watchers {
		wt.Check()
	}
	if !ran {
		for _, wt := range watchers {
			wt.Idle()
		}
	}
}

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

// Marshal and Unmarshal helpers are provided for handlers that
// want a typed envelope rather than raw bytes.
func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func Unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
