package kvslookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrettbslone/flux-core/pkg/kvscache"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

func rootWith(cache *kvscache.Cache, dir kvstree.Directory) kvstree.Ref {
	ref := kvstree.Ref("root")
	e := cache.GetOrInsert(ref, 0)
	e.SetValid(dir)
	return ref
}

func TestWalkResolvesInlineFileVal(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{"greeting": kvstree.NewFileVal("hi")})

	s, err := NewState(root, "greeting", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)

	assert.Equal(t, VALUE, res.Kind)
	assert.Equal(t, "hi", res.Value)
}

func TestWalkNotFound(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{})

	s, err := NewState(root, "missing-key", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)

	assert.Equal(t, NOT_FOUND, res.Kind)
	assert.Equal(t, kvserr.ENOENT, res.Errno)
}

func TestWalkReportsMissingFileRefWithIsDirFalse(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"big": kvstree.NewFileRef(kvstree.Ref("blob1")),
	})

	s, err := NewState(root, "big", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)

	require.Equal(t, MISSING, res.Kind)
	assert.Equal(t, kvstree.Ref("blob1"), res.Missing)
	assert.False(t, res.MissingIsDir)

	entry := cache.GetOrInsert(kvstree.Ref("blob1"), 0)
	entry.SetValid(42.0)

	res = Walk(cache, 0, s)
	assert.Equal(t, VALUE, res.Kind)
	assert.Equal(t, 42.0, res.Value)
}

func TestWalkReportsMissingDirRefWithIsDirTrue(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"sub": kvstree.NewDirRef(kvstree.Ref("dirblob")),
	})

	s, err := NewState(root, "sub/leaf", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)

	require.Equal(t, MISSING, res.Kind)
	assert.Equal(t, kvstree.Ref("dirblob"), res.Missing)
	assert.True(t, res.MissingIsDir)

	entry := cache.GetOrInsert(kvstree.Ref("dirblob"), 0)
	entry.SetValid(kvstree.Directory{"leaf": kvstree.NewFileVal("found")})

	res = Walk(cache, 0, s)
	assert.Equal(t, VALUE, res.Kind)
	assert.Equal(t, "found", res.Value)
}

func TestWalkRejectsReadingDirectoryWithoutReaddirFlag(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"sub": kvstree.NewDirVal(kvstree.Directory{}),
	})

	s, err := NewState(root, "sub", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, ERROR, res.Kind)
	assert.Equal(t, kvserr.EISDIR, res.Errno)
}

func TestWalkReaddirFlagRequiresDirectory(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{"file": kvstree.NewFileVal(1)})

	s, err := NewState(root, "file", READDIR)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, ERROR, res.Kind)
	assert.Equal(t, kvserr.ENOTDIR, res.Errno)
}

func TestWalkNonTerminalFileComponentIsNotDir(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{"file": kvstree.NewFileVal(1)})

	s, err := NewState(root, "file/extra", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, ERROR, res.Kind)
	assert.Equal(t, kvserr.ENOTDIR, res.Errno)
}

func TestWalkFollowsSymlinkToSiblingKey(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"link":   kvstree.NewLink("target"),
		"target": kvstree.NewFileVal("real value"),
	})

	s, err := NewState(root, "link", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, VALUE, res.Kind)
	assert.Equal(t, "real value", res.Value)
}

func TestWalkReadlinkFlagReturnsLinkDirentItself(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"link": kvstree.NewLink("target"),
	})

	s, err := NewState(root, "link", READLINK)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, VALUE, res.Kind)
	assert.Equal(t, kvstree.NewLink("target"), res.Value)
}

func TestWalkDetectsSymlinkLoop(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"a": kvstree.NewLink("b"),
		"b": kvstree.NewLink("a"),
	})

	s, err := NewState(root, "a", 0)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, ERROR, res.Kind)
	assert.Equal(t, kvserr.ELOOP, res.Errno)
}

func TestWalkTreeobjFlagReturnsRawDirent(t *testing.T) {
	cache := kvscache.New()
	root := rootWith(cache, kvstree.Directory{
		"ref": kvstree.NewFileRef(kvstree.Ref("blob")),
	})

	s, err := NewState(root, "ref", TREEOBJ)
	require.NoError(t, err)
	res := Walk(cache, 0, s)
	assert.Equal(t, VALUE, res.Kind)
	d, ok := res.Value.(kvstree.Dirent)
	require.True(t, ok)
	assert.Equal(t, kvstree.FILEREF, d.Kind)
}

func TestNewStateRejectsInvalidKey(t *testing.T) {
	_, err := NewState(kvstree.Ref("root"), "", 0)
	assert.Error(t, err)
}
