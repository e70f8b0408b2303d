// Package kvsnode wires the cache, lookup, commit, root, and watch
// packages to a broker.Broker and a contentstore.Store, implementing the
// request/event surface of spec.md §6. It is the module front-end: the
// one component aware of topics, wire encoding, and the leader/follower
// distinction.
package kvsnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/garrettbslone/flux-core/pkg/broker"
	"github.com/garrettbslone/flux-core/pkg/contentstore"
	"github.com/garrettbslone/flux-core/pkg/kvscache"
	"github.com/garrettbslone/flux-core/pkg/kvscommit"
	"github.com/garrettbslone/flux-core/pkg/kvsencode"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvslog"
	"github.com/garrettbslone/flux-core/pkg/kvslookup"
	"github.com/garrettbslone/flux-core/pkg/kvsmetrics"
	"github.com/garrettbslone/flux-core/pkg/kvsroot"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
	"github.com/garrettbslone/flux-core/pkg/kvswait"
	"github.com/garrettbslone/flux-core/pkg/kvswatch"
)

// Config carries one instance's startup parameters (cmd/kvsd flags).
type Config struct {
	Rank              int
	Namespace         string
	CommitMerge       int // max fences merged per commit; <=1 disables merging
	MaxCacheAge       int64
	HeartbeatInterval time.Duration
}

type command struct {
	topic   string
	sender  string
	payload []byte
	reply   chan cmdReply
}

type cmdReply struct {
	payload []byte
	err     error
}

type faultResult struct {
	ref   kvstree.Ref
	isDir bool
	data  []byte
	err   error
}

type storeAck struct {
	ref kvstree.Ref
	err error
}

// fenceWaiter is the deferred reply channel for one local kvs.fence
// request: it is parked under the fence's name until the terminal
// kvs.setroot/kvs.error event resolves it, since the commit that
// satisfies a fence may run on the leader while this handler executes on
// a follower.
type fenceWaiter = chan cmdReply

// Node is one instance of the module: rank 0 is the leader that owns the
// commit pipeline and root pointer for real; every other rank is a
// caching follower that forwards fence requests and observes setroot.
type Node struct {
	cfg     Config
	cache   *kvscache.Cache
	encoder kvsencode.Encoder
	roots   *kvsroot.Table
	fences  *kvscommit.Manager
	engine  *kvscommit.Engine
	watch   *kvswatch.Manager
	cstore  contentstore.Store
	brk     broker.Broker
	log     zerolog.Logger

	epoch int64

	cmdCh   chan *command
	faultCh chan faultResult
	storeCh chan storeAck
	pending map[kvstree.Ref]bool

	activeCommit      *kvscommit.Commit
	commitStarted     time.Time
	storingCommit     *kvscommit.Commit
	storesOutstanding int
	storeFailed       bool

	ackWaiters  map[string][]fenceWaiter
	syncWaiters []syncWaiter

	getOps  int64
	commits int64
}

// syncWaiter parks a kvs.sync request until the local rootseq reaches
// target, resolved from onSetroot rather than inline to avoid blocking
// the reactor goroutine on a future event it alone can deliver.
type syncWaiter struct {
	target uint64
	reply  chan cmdReply
}

func New(cfg Config, cstore contentstore.Store, brk broker.Broker) *Node {
	if cfg.Namespace == "" {
		cfg.Namespace = kvsroot.DefaultNamespace
	}
	cache := kvscache.New()
	roots := kvsroot.NewTable()

	n := &Node{
		cfg:     cfg,
		cache:   cache,
		encoder: kvsencode.JSONSHA256{},
		roots:   roots,
		fences:  kvscommit.NewManager(),
		cstore:  cstore,
		brk:     brk,
		log:     kvslog.WithComponent("kvsnode").With().Int("rank", cfg.Rank).Logger(),
		cmdCh:   make(chan *command, 64),
		faultCh: make(chan faultResult, 64),
		storeCh: make(chan storeAck, 64),
		pending: make(map[kvstree.Ref]bool),

		ackWaiters: make(map[string][]fenceWaiter),
	}
	n.engine = kvscommit.NewEngine(cache, n.encoder)
	n.watch = kvswatch.NewManager(cache, roots, cfg.Namespace, n.deliverWatch)

	if cfg.Rank == 0 {
		emptyDirRef, _ := n.encoder.Ref(kvstree.Directory{})
		entry := cache.GetOrInsert(emptyDirRef, 0)
		entry.SetValid(kvstree.Directory{})
		roots.Init(cfg.Namespace, emptyDirRef)
	}

	return n
}

// IsLeader reports whether this instance owns the commit pipeline.
func (n *Node) IsLeader() bool { return n.cfg.Rank == 0 }

// Start registers every request handler and event subscription and
// registers the node as a reactor watcher, then blocks driving the
// broker's reactor loop until ctx is canceled.
func (n *Node) Start(ctx context.Context) error {
	n.brk.HandleRequest("kvs.get", n.shim("kvs.get"))
	n.brk.HandleRequest("kvs.watch", n.shim("kvs.watch"))
	n.brk.HandleRequest("kvs.unwatch", n.shim("kvs.unwatch"))
	n.brk.HandleRequest("kvs.fence", n.shim("kvs.fence"))
	n.brk.HandleRequest("kvs.relayfence", n.shim("kvs.relayfence"))
	n.brk.HandleRequest("kvs.getroot", n.shim("kvs.getroot"))
	n.brk.HandleRequest("kvs.sync", n.shim("kvs.sync"))
	n.brk.HandleRequest("kvs.dropcache", n.shim("kvs.dropcache"))
	n.brk.HandleRequest("kvs.disconnect", n.shim("kvs.disconnect"))
	n.brk.HandleRequest("kvs.stats.get", n.shim("kvs.stats.get"))
	n.brk.HandleRequest("kvs.stats.clear", n.shim("kvs.stats.clear"))

	n.brk.Subscribe("kvs.setroot", n.onSetroot)
	n.brk.Subscribe("kvs.error", n.onCommitError)
	n.brk.Subscribe("kvs.dropcache", n.onClusterDropcache)
	n.brk.Subscribe("kvs.stats.clear", n.onClusterStatsClear)
	n.brk.Subscribe("hb", n.onHeartbeat)

	n.brk.RegisterWatcher(n)

	n.log.Info().Msg("node starting")
	return n.brk.Run(ctx)
}

// shim adapts one RPC topic to the command channel the reactor drains
// one at a time, preserving the single-logical-task-at-once scheduling
// model (spec.md §5) even though the broker dispatches each inbound
// request on its own goroutine.
func (n *Node) shim(topic string) broker.Handler {
	return func(sender string, payload []byte) ([]byte, error) {
		reply := make(chan cmdReply, 1)
		n.cmdCh <- &command{topic: topic, sender: sender, payload: payload, reply: reply}
		r := <-reply
		return r.payload, r.err
	}
}

// Prepare reports whether the reactor must not sleep: a queued command, a
// fault-in or store completion, or outstanding commit work all demand
// attention.
func (n *Node) Prepare() bool {
	return len(n.cmdCh) > 0 || len(n.faultCh) > 0 || len(n.storeCh) > 0 ||
		n.activeCommit != nil || n.storingCommit != nil || n.fences.Pending()
}

// Check runs once per reactor iteration: drains at most one command, one
// fault completion, and one store completion, then drives the commit
// engine if work is available. This is the cooperative core: a bounded
// amount of logical work advances per Check call.
func (n *Node) Check() {
	select {
	case cmd := <-n.cmdCh:
		n.dispatch(cmd)
	default:
	}
	select {
	case fr := <-n.faultCh:
		n.resolveFault(fr)
	default:
	}
	select {
	case ack := <-n.storeCh:
		n.resolveStore(ack)
	default:
	}
	if n.IsLeader() {
		n.driveCommit()
	}
	n.publishGauges()
}

// Idle runs when no watcher had anything to prepare; the node has no
// housekeeping tied to idle cycles (that is carried entirely by the hb
// event per spec.md §6), so this is a no-op.
func (n *Node) Idle() {}

func (n *Node) dispatch(cmd *command) {
	// kvs.get, kvs.fence, and kvs.sync each may need to park cmd.reply
	// past this call returning: kvs.get when its lookup faults through
	// the content store, kvs.fence/kvs.sync until the commit they wait on
	// fires its terminal event. All three bypass the generic
	// immediate-reply path below.
	switch cmd.topic {
	case "kvs.get":
		n.handleGet(cmd)
		return
	case "kvs.fence":
		n.handleFence(cmd)
		return
	case "kvs.sync":
		n.handleSync(cmd)
		return
	}

	var (
		out []byte
		err error
	)
	switch cmd.topic {
	case "kvs.watch":
		out, err = n.handleWatch(cmd.sender, cmd.payload)
	case "kvs.unwatch":
		out, err = n.handleUnwatch(cmd.sender, cmd.payload)
	case "kvs.relayfence":
		out, err = n.handleRelayFence(cmd.sender, cmd.payload)
	case "kvs.getroot":
		out, err = n.handleGetroot(cmd.sender, cmd.payload)
	case "kvs.dropcache":
		out, err = n.handleDropcache(cmd.sender, cmd.payload)
	case "kvs.disconnect":
		out, err = n.handleDisconnect(cmd.sender, cmd.payload)
	case "kvs.stats.get":
		out, err = n.handleStatsGet(cmd.sender, cmd.payload)
	case "kvs.stats.clear":
		out, err = n.handleStatsClear(cmd.sender, cmd.payload)
	default:
		err = fmt.Errorf("kvsnode: unknown topic %q", cmd.topic)
	}
	cmd.reply <- cmdReply{payload: out, err: err}
}

// ensureFault kicks off a content.load for ref unless a fetch is already
// in flight, posting the result back onto faultCh for the reactor to
// apply on its own goroutine (spec.md §5: suspension happens only at
// "issuing an RPC whose response is a continuation").
func (n *Node) ensureFault(ref kvstree.Ref, isDir bool) {
	if n.pending[ref] {
		return
	}
	n.pending[ref] = true
	n.cache.RecordFault()
	kvsmetrics.CacheFaultsTotal.Inc()
	go func() {
		data, err := n.cstore.Load(context.Background(), ref)
		n.faultCh <- faultResult{ref: ref, isDir: isDir, data: data, err: err}
	}()
}

func (n *Node) resolveFault(fr faultResult) {
	delete(n.pending, fr.ref)
	entry := n.cache.Lookup(fr.ref, n.epoch)
	if entry == nil {
		return
	}
	if fr.err != nil {
		n.log.Warn().Err(fr.err).Str("ref", string(fr.ref)).Msg("content.load failed; dependent requests remain parked")
		return
	}
	var (
		obj interface{}
		err error
	)
	if fr.isDir {
		obj, err = kvsencode.UnmarshalDirectory(fr.data)
	} else {
		obj, err = kvsencode.UnmarshalValue(fr.data)
	}
	if err != nil {
		n.log.Warn().Err(err).Str("ref", string(fr.ref)).Msg("decode failed after content.load")
		return
	}
	entry.SetValid(obj)
}

// driveCommit advances the single in-flight commit, if any, or starts a
// fresh batch from the ready queue. The at-most-one-PROCESSING invariant
// (spec.md §8) is enforced by activeCommit/storingCommit each holding at
// most one value at a time.
func (n *Node) driveCommit() {
	if n.activeCommit == nil && n.storingCommit == nil {
		batch := n.fences.PopBatch(n.cfg.CommitMerge)
		if batch == nil {
			return
		}
		root := n.roots.Get(n.cfg.Namespace).Dir
		n.activeCommit = kvscommit.NewCommit(batch, root)
		n.commitStarted = time.Now()
	}
	if n.activeCommit == nil {
		return
	}

	res := n.engine.Process(n.activeCommit)
	switch res.Kind {
	case kvscommit.MISSING:
		n.ensureFault(res.Missing, true)
	case kvscommit.FINISHED:
		if res.NewRoot == n.roots.Get(n.cfg.Namespace).Dir {
			kvsmetrics.NoopStoresTotal.Inc()
		}
		c := n.activeCommit
		n.activeCommit = nil
		n.beginStoring(c)
	case kvscommit.FAILED:
		kvsmetrics.CommitDuration.Observe(time.Since(n.commitStarted).Seconds())
		kvsmetrics.CommitsTotal.WithLabelValues("error").Inc()
		n.commits++
		n.failCommit(n.activeCommit.Batch.Names, res.Errno)
		n.activeCommit = nil
	}
}

// beginStoring fires one content.store RPC per dirty entry produced by
// the commit just finished and parks it on storingCommit until every ack
// arrives, matching the WRITING phase of spec.md §3's commit FSM.
func (n *Node) beginStoring(c *kvscommit.Commit) {
	n.storingCommit = c
	if len(c.DirtyEntries) == 0 {
		n.completeStoring()
		return
	}
	n.storesOutstanding = len(c.DirtyEntries)
	for _, ref := range c.DirtyEntries {
		entry := n.cache.Lookup(ref, n.epoch)
		if entry == nil {
			n.storesOutstanding--
			continue
		}
		obj := entry.Object
		go func(ref kvstree.Ref, obj interface{}) {
			data, err := n.encoder.Marshal(obj)
			if err == nil {
				err = n.cstore.Store(context.Background(), ref, data)
			}
			n.storeCh <- storeAck{ref: ref, err: err}
		}(ref, obj)
	}
}

func (n *Node) resolveStore(ack storeAck) {
	if ack.err != nil {
		n.log.Warn().Err(ack.err).Str("ref", string(ack.ref)).Msg("content.store failed; commit will surface kvs.error")
		n.storeFailed = true
	}
	n.storesOutstanding--
	if n.storesOutstanding <= 0 {
		n.completeStoring()
	}
}

// completeStoring finishes the WRITING phase once every content.store ack
// for storingCommit has arrived. If any of them failed, the commit's
// dirty entries are left dirty (never finalized, since they were never
// durably stored) and the commit is failed instead of published, per
// spec.md's kvs.error surfacing for asynchronous store failures.
func (n *Node) completeStoring() {
	c := n.storingCommit
	n.storingCommit = nil
	failed := n.storeFailed
	n.storeFailed = false

	kvsmetrics.CommitDuration.Observe(time.Since(n.commitStarted).Seconds())
	n.commits++

	if failed {
		kvsmetrics.CommitsTotal.WithLabelValues("error").Inc()
		n.failCommit(c.Batch.Names, kvserr.ESTORE)
		return
	}

	n.engine.Finalize(c)
	ptr := n.roots.Advance(n.cfg.Namespace, c.WorkingRoot)
	kvsmetrics.CommitsTotal.WithLabelValues("ok").Inc()

	ev := setrootEvent{RootSeq: ptr.Seq, RootDir: string(ptr.Dir), Names: c.Batch.Names}
	payload, _ := json.Marshal(ev)
	n.brk.Publish("kvs.setroot", payload)
}

func (n *Node) failCommit(names []string, errno kvserr.Errno) {
	ev := errorEvent{Names: names, Errno: int(errno)}
	payload, _ := json.Marshal(ev)
	n.brk.Publish("kvs.error", payload)
}

func (n *Node) onHeartbeat(_ string, _ string, _ []byte) {
	n.epoch++
	n.engine.SetEpoch(n.epoch)
	n.watch.SetEpoch(n.epoch)
	n.cache.Expire(n.epoch, n.cfg.MaxCacheAge)
}

func (n *Node) onClusterDropcache(_ string, _ string, _ []byte) {
	n.cache.Expire(n.epoch, 0)
}

func (n *Node) onClusterStatsClear(_ string, _ string, _ []byte) {
	n.cache.ResetStats()
	n.getOps = 0
	n.commits = 0
}

func (n *Node) onSetroot(_ string, _ string, payload []byte) {
	var ev setrootEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		n.log.Warn().Err(err).Msg("malformed kvs.setroot event")
		return
	}
	n.roots.Observe(n.cfg.Namespace, kvstree.Ref(ev.RootDir), ev.RootSeq)
	if raw, ok := ev.Root.(map[string]interface{}); ok {
		if dir, err := kvsencode.DirectoryFromJSON(raw); err == nil {
			entry := n.cache.GetOrInsert(kvstree.Ref(ev.RootDir), n.epoch)
			if !entry.Valid() {
				entry.SetValid(dir)
			}
		}
	}
	n.watch.NotifyRootChanged()
	n.resolveAcks(ev.Names, kvserr.EOK)
	n.resolveSyncWaiters(ev.RootSeq)
}

func (n *Node) resolveSyncWaiters(seq uint64) {
	remaining := n.syncWaiters[:0]
	for _, w := range n.syncWaiters {
		if seq >= w.target {
			ptr := n.roots.Get(n.cfg.Namespace)
			payload, _ := json.Marshal(getrootReply{RootSeq: ptr.Seq, RootDir: string(ptr.Dir)})
			w.reply <- cmdReply{payload: payload}
			continue
		}
		remaining = append(remaining, w)
	}
	n.syncWaiters = remaining
}

func (n *Node) onCommitError(_ string, _ string, payload []byte) {
	var ev errorEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		n.log.Warn().Err(err).Msg("malformed kvs.error event")
		return
	}
	n.resolveAcks(ev.Names, kvserr.Errno(ev.Errno))
}

func (n *Node) resolveAcks(names []string, errno kvserr.Errno) {
	payload, _ := json.Marshal(ackReply{OK: errno == kvserr.EOK, Errno: int(errno)})
	for _, name := range names {
		for _, w := range n.ackWaiters[name] {
			w <- cmdReply{payload: payload}
		}
		delete(n.ackWaiters, name)
		n.fences.Remove(name)
	}
}

func (n *Node) deliverWatch(sender, key string, value interface{}, errno kvserr.Errno) {
	payload, _ := json.Marshal(watchNotification{Key: key, Val: value, Errno: int(errno)})
	n.brk.Publish("kvs.watch.notify."+sender, payload)
}

func (n *Node) publishGauges() {
	stats := n.cache.Stats()
	kvsmetrics.CacheSize.Set(float64(stats.Size))
	kvsmetrics.CacheValid.Set(float64(stats.Valid))
	kvsmetrics.CacheDirty.Set(float64(stats.Dirty))
	kvsmetrics.WatchersActive.Set(float64(n.watch.Count()))
	ptr := n.roots.Get(n.cfg.Namespace)
	kvsmetrics.RootSeq.WithLabelValues(n.cfg.Namespace).Set(float64(ptr.Seq))
}

// runGet drives a kvslookup.State as far as it can without blocking and
// replies once it reaches a terminal result. On MISSING it registers a
// one-shot wait on the faulted ref's WaitersValid, mirroring
// kvswatch.runWalk, and resumes when resolveFault marks that entry valid;
// the reactor goroutine is never blocked on the content.load in flight.
func (n *Node) runGet(sender, rootDir string, state *kvslookup.State, reply chan cmdReply) {
	res := kvslookup.Walk(n.cache, n.epoch, state)
	if res.Kind == kvslookup.MISSING {
		n.ensureFault(res.Missing, res.MissingIsDir)
		env := kvswait.Envelope{Sender: sender, Topic: "kvs.get", Key: string(res.Missing)}
		fault := kvswait.New(env, func() { n.runGet(sender, rootDir, state, reply) })
		entry := n.cache.Lookup(res.Missing, n.epoch)
		if entry == nil {
			entry = n.cache.GetOrInsert(res.Missing, n.epoch)
		}
		entry.WaitersValid.Register(fault)
		return
	}

	var payload []byte
	switch res.Kind {
	case kvslookup.VALUE:
		payload, _ = json.Marshal(getReply{RootDir: rootDir, Val: res.Value})
	case kvslookup.NOT_FOUND:
		payload, _ = json.Marshal(errnoReply(rootDir, kvserr.ENOENT))
	default:
		payload, _ = json.Marshal(errnoReply(rootDir, res.Errno))
	}
	reply <- cmdReply{payload: payload}
}
