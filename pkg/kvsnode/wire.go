package kvsnode

import "github.com/garrettbslone/flux-core/pkg/kvserr"

// Wire payload shapes for the topics in spec.md §6.

type getRequest struct {
	RootDir string `json:"rootdir,omitempty"`
	Key     string `json:"key"`
	Flags   int    `json:"flags"`
}

type getReply struct {
	RootDir string      `json:"rootdir"`
	Val     interface{} `json:"val,omitempty"`
	Errno   int         `json:"errno,omitempty"`
}

type watchRequest struct {
	Key   string      `json:"key"`
	Val   interface{} `json:"val,omitempty"`
	Flags int         `json:"flags"`
}

type watchNotification struct {
	Key   string      `json:"key"`
	Val   interface{} `json:"val,omitempty"`
	Errno int         `json:"errno,omitempty"`
}

type unwatchRequest struct {
	Key string `json:"key"`
}

type ackReply struct {
	OK    bool `json:"ok"`
	Errno int  `json:"errno,omitempty"`
}

type opWire struct {
	Key    string      `json:"key"`
	Dirent interface{} `json:"dirent"` // nil means unlink
	Strict bool        `json:"strict,omitempty"`
}

type fenceRequest struct {
	Name   string   `json:"name"`
	Nprocs int      `json:"nprocs"`
	Flags  int      `json:"flags"`
	Ops    []opWire `json:"ops"`
}

type getrootReply struct {
	RootSeq uint64 `json:"rootseq"`
	RootDir string `json:"rootdir"`
}

type syncRequest struct {
	RootSeq uint64 `json:"rootseq"`
}

type dropcacheReply struct {
	Dropped int `json:"dropped"`
	Size    int `json:"size"`
}

type setrootEvent struct {
	RootSeq uint64      `json:"rootseq"`
	RootDir string      `json:"rootdir"`
	Root    interface{} `json:"root,omitempty"`
	Names   []string    `json:"names"`
}

type errorEvent struct {
	Names []string `json:"names"`
	Errno int       `json:"errno"`
}

type statsReply struct {
	CacheSize  int   `json:"cache_size"`
	Valid      int   `json:"valid"`
	Dirty      int   `json:"dirty"`
	Faults     int64 `json:"faults"`
	NoopStores int64 `json:"noop_stores"`
	Commits    int64 `json:"commits"`
	GetOps     int64 `json:"getops"`
	Watchers   int   `json:"watchers"`
}

func errnoReply(rootdir string, e kvserr.Errno) getReply {
	return getReply{RootDir: rootdir, Errno: int(e)}
}
