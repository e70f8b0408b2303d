// Package kvsnode is the module front-end: it owns the wire encoding for
// every topic in spec.md §6 and drives the cache/lookup/commit/root/watch
// packages from a single reactor goroutine.
//
//	                         ┌─────────────────────────┐
//	  RPC / event  ───────▶  │   broker.Broker (ext.)   │
//	  (any goroutine)        └─────────────┬────────────┘
//	                                       │ shim() / Subscribe callback
//	                                       ▼
//	                          ┌────────────────────────┐
//	                          │   Node.cmdCh (chan)     │◀── exactly one
//	                          └─────────────┬───────────┘    consumer
//	                                       │
//	              ┌────────────────────────┼────────────────────────┐
//	              │            Node.Check() — reactor goroutine      │
//	              │  1. drain one command   → dispatch()             │
//	              │  2. drain one fault ack  → resolveFault()         │
//	              │  3. drain one store ack  → resolveStore()         │
//	              │  4. drive commit engine  → driveCommit()          │
//	              └─────┬──────────┬───────────┬──────────┬──────────┘
//	                    │          │           │          │
//	                    ▼          ▼           ▼          ▼
//	               kvscache   kvslookup   kvscommit   kvswatch
//	                    ▲                     │
//	                    │                     ▼
//	            ensureFault()/goroutine   beginStoring()/goroutine
//	                    │                     │
//	                    ▼                     ▼
//	            contentstore.Store.Load   contentstore.Store.Store
//
// Every cache/commit/root/watch mutation happens inside Check(), called
// from exactly one goroutine (the broker's reactor loop via
// RegisterWatcher). Content-store I/O runs on its own short-lived
// goroutines that post results back onto faultCh/storeCh rather than
// mutating state directly — the same handoff pattern spec.md §5 describes
// for RPC continuations, applied to blocking I/O instead.
package kvsnode
