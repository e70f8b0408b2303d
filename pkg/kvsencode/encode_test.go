package kvsencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

func TestJSONSHA256RefIsDeterministic(t *testing.T) {
	enc := JSONSHA256{}
	dir := kvstree.Directory{"a": kvstree.NewFileVal(1)}

	r1, err := enc.Ref(dir)
	require.NoError(t, err)
	r2, err := enc.Ref(dir)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "identical objects must hash to the same ref")
}

func TestJSONSHA256RefDiffersOnContent(t *testing.T) {
	enc := JSONSHA256{}
	r1, err := enc.Ref(kvstree.Directory{"a": kvstree.NewFileVal(1)})
	require.NoError(t, err)
	r2, err := enc.Ref(kvstree.Directory{"a": kvstree.NewFileVal(2)})
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestDirectoryRoundTripsThroughMarshalAndUnmarshal(t *testing.T) {
	enc := JSONSHA256{}
	orig := kvstree.Directory{
		"file":  kvstree.NewFileVal(map[string]interface{}{"n": float64(1)}),
		"ref":   kvstree.NewFileRef(kvstree.Ref("deadbeef")),
		"dir":   kvstree.NewDirRef(kvstree.Ref("cafef00d")),
		"link":  kvstree.NewLink("other/key"),
		"inline": kvstree.NewDirVal(kvstree.Directory{"nested": kvstree.NewFileVal("x")}),
	}

	b, err := enc.Marshal(orig)
	require.NoError(t, err)

	decoded, err := UnmarshalDirectory(b)
	require.NoError(t, err)

	require.Len(t, decoded, len(orig))
	assert.Equal(t, kvstree.FILEREF, decoded["ref"].Kind)
	assert.Equal(t, kvstree.Ref("deadbeef"), decoded["ref"].Ref)
	assert.Equal(t, kvstree.DIRREF, decoded["dir"].Kind)
	assert.Equal(t, kvstree.LINKVAL, decoded["link"].Kind)
	assert.Equal(t, "other/key", decoded["link"].Link)
	assert.Equal(t, kvstree.DIRVAL, decoded["inline"].Kind)
	nested := decoded["inline"].Val.(kvstree.Directory)
	assert.Equal(t, kvstree.FILEVAL, nested["nested"].Kind)
}

func TestUnmarshalValueRoundTrips(t *testing.T) {
	enc := JSONSHA256{}
	b, err := enc.Marshal(map[string]interface{}{"hello": "world"})
	require.NoError(t, err)

	v, err := UnmarshalValue(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"hello": "world"}, v)
}

func TestDirentFromJSONRejectsMalformedFields(t *testing.T) {
	_, err := DirentFromJSON(map[string]interface{}{"FILEREF": 5})
	assert.Error(t, err)
	_, err = DirentFromJSON(map[string]interface{}{"DIRVAL": "not an object"})
	assert.Error(t, err)
}

func TestDirentFromJSONTreatsNullFilevalAsValue(t *testing.T) {
	d, err := DirentFromJSON(map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, kvstree.FILEVAL, d.Kind)
	assert.Nil(t, d.Val)
}
