// Package kvsencode isolates the canonical encoding used to derive refs
// from objects behind an Encoder interface, per spec.md §9: the object and
// envelope formats are JSON today, but an alternative canonical encoding
// should be pluggable without touching the engine.
package kvsencode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

// Encoder turns a directory or value object into its canonical byte form
// and derives the ref that names it. Store is the authority for refs in
// production (the external content store recomputes and must agree), so
// Encoder.Ref must match whatever hash function the content store uses.
type Encoder interface {
	// Marshal renders obj (a kvstree.Directory or an arbitrary JSON value)
	// to its canonical byte encoding.
	Marshal(obj interface{}) ([]byte, error)

	// Ref derives the blob ref for obj's canonical encoding.
	Ref(obj interface{}) (kvstree.Ref, error)
}

// JSONSHA256 is the default Encoder: encoding/json (which sorts object
// keys lexicographically and uses a fixed number format) hashed with
// SHA-256 and hex-encoded. This is provisional — see SPEC_FULL.md Open
// Question decision 2 — pending confirmation against the external content store's
// own hash rule.
type JSONSHA256 struct{}

func (JSONSHA256) Marshal(obj interface{}) ([]byte, error) {
	switch v := obj.(type) {
	case kvstree.Directory:
		return json.Marshal(directoryToJSON(v))
	default:
		return json.Marshal(v)
	}
}

func (e JSONSHA256) Ref(obj interface{}) (kvstree.Ref, error) {
	b, err := e.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("kvsencode: marshal: %w", err)
	}
	sum := sha256.Sum256(b)
	return kvstree.Ref(hex.EncodeToString(sum[:])), nil
}

// direntJSON is the wire shape of a Dirent: exactly one of these fields is
// set, mirroring the tagged union in kvstree.Dirent.
type direntJSON struct {
	FileRef *string     `json:"FILEREF,omitempty"`
	FileVal interface{} `json:"FILEVAL,omitempty"`
	DirRef  *string     `json:"DIRREF,omitempty"`
	DirVal  interface{} `json:"DIRVAL,omitempty"`
	Link    *string     `json:"LINKVAL,omitempty"`
}

func direntToJSON(d kvstree.Dirent) direntJSON {
	switch d.Kind {
	case kvstree.FILEREF:
		r := string(d.Ref)
		return direntJSON{FileRef: &r}
	case kvstree.FILEVAL:
		return direntJSON{FileVal: d.Val}
	case kvstree.DIRREF:
		r := string(d.Ref)
		return direntJSON{DirRef: &r}
	case kvstree.DIRVAL:
		dir, _ := d.Val.(kvstree.Directory)
		return direntJSON{DirVal: directoryToJSON(dir)}
	case kvstree.LINKVAL:
		l := d.Link
		return direntJSON{Link: &l}
	default:
		return direntJSON{}
	}
}

func directoryToJSON(dir kvstree.Directory) map[string]direntJSON {
	out := make(map[string]direntJSON, len(dir))
	for name, d := range dir {
		out[name] = direntToJSON(d)
	}
	return out
}

// DirentFromJSON reconstructs a Dirent from its decoded wire shape. Exposed
// so content-store bindings can decode a loaded directory blob.
func DirentFromJSON(raw map[string]interface{}) (kvstree.Dirent, error) {
	switch {
	case raw["FILEREF"] != nil:
		s, ok := raw["FILEREF"].(string)
		if !ok {
			return kvstree.Dirent{}, fmt.Errorf("kvsencode: FILEREF not a string")
		}
		return kvstree.NewFileRef(kvstree.Ref(s)), nil
	case raw["DIRREF"] != nil:
		s, ok := raw["DIRREF"].(string)
		if !ok {
			return kvstree.Dirent{}, fmt.Errorf("kvsencode: DIRREF not a string")
		}
		return kvstree.NewDirRef(kvstree.Ref(s)), nil
	case raw["LINKVAL"] != nil:
		s, ok := raw["LINKVAL"].(string)
		if !ok {
			return kvstree.Dirent{}, fmt.Errorf("kvsencode: LINKVAL not a string")
		}
		return kvstree.NewLink(s), nil
	case raw["DIRVAL"] != nil:
		m, ok := raw["DIRVAL"].(map[string]interface{})
		if !ok {
			return kvstree.Dirent{}, fmt.Errorf("kvsencode: DIRVAL not an object")
		}
		dir, err := DirectoryFromJSON(m)
		if err != nil {
			return kvstree.Dirent{}, err
		}
		return kvstree.NewDirVal(dir), nil
	default:
		// FILEVAL may legitimately be any JSON value including null/false/0,
		// so it is the fallback arm rather than keyed on truthiness.
		return kvstree.NewFileVal(raw["FILEVAL"]), nil
	}
}

// DirectoryFromJSON decodes a directory object previously produced by
// Marshal back into a kvstree.Directory.
func DirectoryFromJSON(raw map[string]interface{}) (kvstree.Directory, error) {
	out := make(kvstree.Directory, len(raw))
	for name, v := range raw {
		entMap, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("kvsencode: dirent %q not an object", name)
		}
		d, err := DirentFromJSON(entMap)
		if err != nil {
			return nil, fmt.Errorf("kvsencode: dirent %q: %w", name, err)
		}
		out[name] = d
	}
	return out, nil
}

// UnmarshalDirectory decodes a blob's bytes as a directory object.
func UnmarshalDirectory(b []byte) (kvstree.Directory, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("kvsencode: unmarshal directory: %w", err)
	}
	return DirectoryFromJSON(raw)
}

// UnmarshalValue decodes a blob's bytes as an arbitrary JSON value.
func UnmarshalValue(b []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("kvsencode: unmarshal value: %w", err)
	}
	return v, nil
}
