package kvsnode

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/garrettbslone/flux-core/pkg/kvscommit"
	"github.com/garrettbslone/flux-core/pkg/kvsencode"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvslookup"
	"github.com/garrettbslone/flux-core/pkg/kvsmetrics"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
	"github.com/garrettbslone/flux-core/pkg/kvswatch"
)

// handleGet parks cmd.reply until its lookup reaches a terminal result:
// immediately, if nothing is missing from cache, or later via runGet's
// kvswait registration once a fault-in completes.
func (n *Node) handleGet(cmd *command) {
	var req getRequest
	if err := json.Unmarshal(cmd.payload, &req); err != nil {
		cmd.reply <- cmdReply{err: fmt.Errorf("kvsnode: decode kvs.get: %w", err)}
		return
	}

	root := kvstree.Ref(req.RootDir)
	if root == "" {
		root = n.roots.Get(n.cfg.Namespace).Dir
	}

	state, err := kvslookup.NewState(root, req.Key, kvslookup.Flags(req.Flags))
	if err != nil {
		payload, _ := json.Marshal(errnoReply(string(root), kvserr.EPROTO))
		cmd.reply <- cmdReply{payload: payload}
		return
	}

	kvsmetrics.GetOpsTotal.Inc()
	n.getOps++
	n.runGet(cmd.sender, string(root), state, cmd.reply)
}

func (n *Node) handleWatch(sender string, payload []byte) ([]byte, error) {
	var req watchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("kvsnode: decode kvs.watch: %w", err)
	}
	if err := n.watch.Watch(sender, req.Key, req.Val, kvswatch.Flags(req.Flags)); err != nil {
		return json.Marshal(ackReply{OK: false, Errno: int(kvserr.EPROTO)})
	}
	return json.Marshal(ackReply{OK: true})
}

func (n *Node) handleUnwatch(sender string, payload []byte) ([]byte, error) {
	var req unwatchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("kvsnode: decode kvs.unwatch: %w", err)
	}
	n.watch.Unwatch(sender, req.Key)
	return json.Marshal(ackReply{OK: true})
}

// handleFence parks cmd.reply under the fence's name and either
// contributes directly (leader) or relays the contribution (follower);
// either way the reply is sent later, from resolveAcks, once this node
// observes the commit's terminal kvs.setroot/kvs.error event. The
// follower relay fires its cross-node RPC from a goroutine rather than
// awaiting it inline, since this call runs synchronously on the
// reactor's single goroutine and must return promptly regardless of how
// long the leader takes to ack receipt.
func (n *Node) handleFence(cmd *command) {
	var req fenceRequest
	if err := json.Unmarshal(cmd.payload, &req); err != nil {
		cmd.reply <- cmdReply{err: fmt.Errorf("kvsnode: decode kvs.fence: %w", err)}
		return
	}
	ops, err := opsFromWire(req.Ops)
	if err != nil {
		cmd.reply <- cmdReply{err: err}
		return
	}

	n.ackWaiters[req.Name] = append(n.ackWaiters[req.Name], cmd.reply)

	env := kvscommit.Envelope{Sender: cmd.sender}
	if n.IsLeader() {
		n.fences.Contribute(req.Name, req.Nprocs, kvscommit.Flags(req.Flags), ops, env)
		return
	}

	go func() {
		fut := n.brk.RPC(context.Background(), "kvs.relayfence", "", cmd.payload)
		if _, err := fut.Await(context.Background()); err != nil {
			n.log.Warn().Err(err).Str("fence", req.Name).Msg("relayfence failed; contribution may be lost")
		}
	}()
}

// handleRelayFence runs on the leader: it contributes a follower's ops to
// the named fence and acks receipt immediately. The follower learns the
// fence's real outcome independently, from the broadcast kvs.setroot or
// kvs.error event.
func (n *Node) handleRelayFence(sender string, payload []byte) ([]byte, error) {
	var req fenceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("kvsnode: decode kvs.relayfence: %w", err)
	}
	ops, err := opsFromWire(req.Ops)
	if err != nil {
		return nil, err
	}
	n.fences.Contribute(req.Name, req.Nprocs, kvscommit.Flags(req.Flags), ops, kvscommit.Envelope{Sender: sender})
	return json.Marshal(ackReply{OK: true})
}

func (n *Node) handleGetroot(_ string, _ []byte) ([]byte, error) {
	ptr := n.roots.Get(n.cfg.Namespace)
	return json.Marshal(getrootReply{RootSeq: ptr.Seq, RootDir: string(ptr.Dir)})
}

// handleSync parks cmd.reply until the local rootseq reaches the
// requested value, replying immediately if it already has.
func (n *Node) handleSync(cmd *command) {
	var req syncRequest
	if err := json.Unmarshal(cmd.payload, &req); err != nil {
		cmd.reply <- cmdReply{err: fmt.Errorf("kvsnode: decode kvs.sync: %w", err)}
		return
	}
	ptr := n.roots.Get(n.cfg.Namespace)
	if ptr.Seq >= req.RootSeq {
		payload, _ := json.Marshal(getrootReply{RootSeq: ptr.Seq, RootDir: string(ptr.Dir)})
		cmd.reply <- cmdReply{payload: payload}
		return
	}
	n.syncWaiters = append(n.syncWaiters, syncWaiter{target: req.RootSeq, reply: cmd.reply})
}

func (n *Node) handleDropcache(_ string, _ []byte) ([]byte, error) {
	before := n.cache.Count()
	dropped := n.cache.Expire(n.epoch, 0)
	return json.Marshal(dropcacheReply{Dropped: dropped, Size: before - dropped})
}

func (n *Node) handleDisconnect(sender string, _ []byte) ([]byte, error) {
	n.watch.Disconnect(sender)
	return json.Marshal(ackReply{OK: true})
}

func (n *Node) handleStatsGet(_ string, _ []byte) ([]byte, error) {
	stats := n.cache.Stats()
	return json.Marshal(statsReply{
		CacheSize:  stats.Size,
		Valid:      stats.Valid,
		Dirty:      stats.Dirty,
		Faults:     stats.Faults,
		NoopStores: stats.NoopStores,
		Commits:    n.commits,
		GetOps:     n.getOps,
		Watchers:   n.watch.Count(),
	})
}

func (n *Node) handleStatsClear(_ string, _ []byte) ([]byte, error) {
	n.cache.ResetStats()
	n.getOps = 0
	n.commits = 0
	n.brk.Publish("kvs.stats.clear", []byte("{}"))
	return json.Marshal(ackReply{OK: true})
}

// opsFromWire decodes a fence request's wire op list into commit engine
// ops, treating a nil Dirent as an unlink.
func opsFromWire(wire []opWire) ([]kvscommit.Op, error) {
	ops := make([]kvscommit.Op, 0, len(wire))
	for _, w := range wire {
		op := kvscommit.Op{Key: w.Key, Strict: w.Strict}
		if w.Dirent != nil {
			raw, ok := w.Dirent.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("kvsnode: fence op %q: dirent not an object", w.Key)
			}
			d, err := kvsencode.DirentFromJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("kvsnode: fence op %q: %w", w.Key, err)
			}
			op.Dirent = &d
		}
		ops = append(ops, op)
	}
	return ops, nil
}
