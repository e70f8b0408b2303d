// Package broker defines the messaging substrate the KVS core consumes as
// an abstract interface (spec.md §6): point-to-point RPC, pub/sub events,
// and a reactor with prepare/check/idle watcher hooks. The reactor and
// transport themselves are out of scope per spec.md §1 ("the broker's
// reactor and messaging substrate... assumed to provide request/response,
// event, heartbeat, and RPC primitives"); this package only pins down the
// shape the core programs against, with two concrete bindings in
// pkg/broker/inproc and pkg/broker/httpbroker.
package broker

import "context"

// Future is the pending result of an RPC call. Await blocks the calling
// goroutine; the core itself never blocks on it directly — handlers issue
// the RPC and return to the reactor, resuming via a registered
// kvswait.Wait once the future's goroutine delivers the reply through a
// channel the handler owns.
type Future interface {
	Await(ctx context.Context) (payload []byte, err error)
}

// Handler processes one inbound request or event. sender identifies the
// route/origin the broker attached to the message; the KVS node driver
// uses it to build kvswait.Envelope values.
type Handler func(sender string, payload []byte) ([]byte, error)

// EventHandler processes one inbound published event.
type EventHandler func(sender string, topic string, payload []byte)

// Watcher is the reactor hook set a component registers to participate in
// the cooperative event loop (spec.md §5): Prepare reports whether the
// loop must not sleep (e.g. the commit manager's ready queue is
// non-empty), Check runs once per iteration and may start work, Idle runs
// only when Prepare returned false for every watcher.
type Watcher interface {
	Prepare() bool
	Check()
	Idle()
}

// Broker is the messaging substrate the KVS node driver wires request
// handlers, event subscriptions, and reactor watchers into.
type Broker interface {
	// RPC issues service with payload to target (empty target means "the
	// leader" for relayfence, or is resolved by the binding for
	// content.load) and returns a Future for the reply.
	RPC(ctx context.Context, service, target string, payload []byte) Future

	// Publish broadcasts payload under topic to every subscriber,
	// matching spec.md's non-blocking publish semantics.
	Publish(topic string, payload []byte)

	// Subscribe registers handler for every topic matching prefix.
	Subscribe(prefix string, handler EventHandler)

	// HandleRequest registers handler for every RPC addressed to topic on
	// this instance (e.g. "kvs.get", "kvs.fence", "kvs.relayfence").
	HandleRequest(topic string, handler Handler)

	// RegisterWatcher adds w to the reactor's prepare/check/idle rotation.
	RegisterWatcher(w Watcher)

	// Rank reports this instance's position (0 is the leader).
	Rank() int

	// Run drives the reactor loop until ctx is canceled.
	Run(ctx context.Context) error
}
