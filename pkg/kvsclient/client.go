// Package kvsclient is a thin HTTP client for one node instance, adapted
// from the teacher's pkg/client: a small wrapper type constructed once per
// process, one method per RPC, plain request/response structs standing in
// for the teacher's generated proto messages. The wire shapes mirror
// pkg/kvsnode's (unexported) request/reply structs field for field since a
// client has no access to that package's internals.
package kvsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues kvs.* RPCs against a single node's httpbroker endpoint.
type Client struct {
	addr   string
	sender string
	http   *http.Client
}

// NewClient dials addr ("host:port", no scheme). sender identifies this
// client to the node, e.g. for watch notification routing and fence
// envelopes; it should be stable across reconnects from the same process.
func NewClient(addr, sender string) *Client {
	return &Client{
		addr:   addr,
		sender: sender,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Close releases the client's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) call(ctx context.Context, service string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("kvsclient: encode %s request: %w", service, err)
	}
	url := fmt.Sprintf("http://%s/rpc/%s", c.addr, service)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kvsclient: build %s request: %w", service, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Kvs-Sender", c.sender)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("kvsclient: %s: %w", service, err)
	}
	defer httpResp.Body.Close()
	out, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("kvsclient: read %s response: %w", service, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("kvsclient: %s: node replied %s: %s", service, httpResp.Status, string(out))
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("kvsclient: decode %s response: %w", service, err)
	}
	return nil
}

// Dirent values are plain maps carrying exactly one of FILEVAL, FILEREF,
// DIRVAL, DIRREF, or LINKVAL, matching kvsencode's tagged-union wire shape
// for kvstree.Dirent. The FileVal/FileRef/DirRef/LinkVal helpers build one
// of each kind; a nil Dirent on an Op means unlink.
type Dirent = map[string]interface{}

// FileVal builds a Dirent wrapping an inline JSON value.
func FileVal(v interface{}) Dirent { return Dirent{"FILEVAL": v} }

// FileRef builds a Dirent pointing at an out-of-line value by content ref.
func FileRef(ref string) Dirent { return Dirent{"FILEREF": ref} }

// DirRef builds a Dirent pointing at an out-of-line directory by content ref.
func DirRef(ref string) Dirent { return Dirent{"DIRREF": ref} }

// LinkVal builds a symlink-style Dirent whose target is chased on lookup.
func LinkVal(target string) Dirent { return Dirent{"LINKVAL": target} }

// Op is one fence operation: set Dirent to nil for an unlink.
type Op struct {
	Key    string      `json:"key"`
	Dirent interface{} `json:"dirent"`
	Strict bool        `json:"strict,omitempty"`
}

type getRequest struct {
	RootDir string `json:"rootdir,omitempty"`
	Key     string `json:"key"`
	Flags   int    `json:"flags"`
}

// GetReply is the result of Get.
type GetReply struct {
	RootDir string      `json:"rootdir"`
	Val     interface{} `json:"val,omitempty"`
	Errno   int         `json:"errno,omitempty"`
}

// Get resolves key against rootdir (empty for the node's current root).
func (c *Client) Get(ctx context.Context, rootdir, key string, flags int) (GetReply, error) {
	var resp GetReply
	err := c.call(ctx, "kvs.get", getRequest{RootDir: rootdir, Key: key, Flags: flags}, &resp)
	return resp, err
}

// Watch flags, mirroring pkg/kvswatch.Flags field for field since a client
// has no access to that package's internals.
const (
	WatchFirst = 1 << iota
	WatchOnce
)

type watchRequest struct {
	Key   string      `json:"key"`
	Val   interface{} `json:"val,omitempty"`
	Flags int         `json:"flags"`
}

// AckReply is the generic ok/errno reply shared by several RPCs.
type AckReply struct {
	OK    bool `json:"ok"`
	Errno int  `json:"errno,omitempty"`
}

// Watch registers interest in key, comparing future values against
// previousValue (this client's last-seen value, or nil on a fresh watch);
// notifications arrive as kvs.watch.notify.<sender> events, out of band
// from this call.
func (c *Client) Watch(ctx context.Context, key string, previousValue interface{}, flags int) (AckReply, error) {
	var resp AckReply
	err := c.call(ctx, "kvs.watch", watchRequest{Key: key, Val: previousValue, Flags: flags}, &resp)
	return resp, err
}

type unwatchRequest struct {
	Key string `json:"key"`
}

// Unwatch cancels a prior Watch on key.
func (c *Client) Unwatch(ctx context.Context, key string) (AckReply, error) {
	var resp AckReply
	err := c.call(ctx, "kvs.unwatch", unwatchRequest{Key: key}, &resp)
	return resp, err
}

type fenceRequest struct {
	Name   string `json:"name"`
	Nprocs int    `json:"nprocs"`
	Flags  int    `json:"flags"`
	Ops    []Op   `json:"ops"`
}

// Fence contributes ops to the named fence and blocks until the fence's
// commit resolves (or fails), mirroring the synchronous kfence/sync call
// most key-value operations are layered on.
func (c *Client) Fence(ctx context.Context, name string, nprocs, flags int, ops []Op) (AckReply, error) {
	var resp AckReply
	err := c.call(ctx, "kvs.fence", fenceRequest{Name: name, Nprocs: nprocs, Flags: flags, Ops: ops}, &resp)
	return resp, err
}

// GetrootReply reports the current or requested root pointer.
type GetrootReply struct {
	RootSeq uint64 `json:"rootseq"`
	RootDir string `json:"rootdir"`
}

// GetRoot reads the node's current root pointer.
func (c *Client) GetRoot(ctx context.Context) (GetrootReply, error) {
	var resp GetrootReply
	err := c.call(ctx, "kvs.getroot", struct{}{}, &resp)
	return resp, err
}

type syncRequest struct {
	RootSeq uint64 `json:"rootseq"`
}

// Sync blocks until the node's root pointer reaches at least rootseq.
func (c *Client) Sync(ctx context.Context, rootseq uint64) (GetrootReply, error) {
	var resp GetrootReply
	err := c.call(ctx, "kvs.sync", syncRequest{RootSeq: rootseq}, &resp)
	return resp, err
}

// DropcacheReply reports how much of the cache was evicted.
type DropcacheReply struct {
	Dropped int `json:"dropped"`
	Size    int `json:"size"`
}

// Dropcache evicts every inactive cache entry on the node.
func (c *Client) Dropcache(ctx context.Context) (DropcacheReply, error) {
	var resp DropcacheReply
	err := c.call(ctx, "kvs.dropcache", struct{}{}, &resp)
	return resp, err
}

// Disconnect tells the node this client is gone, releasing its watches.
func (c *Client) Disconnect(ctx context.Context) (AckReply, error) {
	var resp AckReply
	err := c.call(ctx, "kvs.disconnect", struct{}{}, &resp)
	return resp, err
}

// StatsReply mirrors the node's internal counters.
type StatsReply struct {
	CacheSize  int   `json:"cache_size"`
	Valid      int   `json:"valid"`
	Dirty      int   `json:"dirty"`
	Faults     int64 `json:"faults"`
	NoopStores int64 `json:"noop_stores"`
	Commits    int64 `json:"commits"`
	GetOps     int64 `json:"getops"`
	Watchers   int   `json:"watchers"`
}

// StatsGet reads the node's counters.
func (c *Client) StatsGet(ctx context.Context) (StatsReply, error) {
	var resp StatsReply
	err := c.call(ctx, "kvs.stats.get", struct{}{}, &resp)
	return resp, err
}

// StatsClear resets the node's counters cluster-wide.
func (c *Client) StatsClear(ctx context.Context) (AckReply, error) {
	var resp AckReply
	err := c.call(ctx, "kvs.stats.clear", struct{}{}, &resp)
	return resp, err
}
