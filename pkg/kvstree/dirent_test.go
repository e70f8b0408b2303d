package kvstree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirentConstructorsSetKind(t *testing.T) {
	assert.Equal(t, FILEREF, NewFileRef(Ref("abc")).Kind)
	assert.Equal(t, FILEVAL, NewFileVal(42).Kind)
	assert.Equal(t, DIRREF, NewDirRef(Ref("def")).Kind)
	assert.Equal(t, DIRVAL, NewDirVal(Directory{}).Kind)
	assert.Equal(t, LINKVAL, NewLink("other/key").Kind)
}

func TestDirentIsDir(t *testing.T) {
	assert.True(t, NewDirRef(Ref("x")).IsDir())
	assert.True(t, NewDirVal(Directory{}).IsDir())
	assert.False(t, NewFileRef(Ref("x")).IsDir())
	assert.False(t, NewFileVal(1).IsDir())
	assert.False(t, NewLink("x").IsDir())
}

func TestDirectoryCloneIsShallowCopy(t *testing.T) {
	orig := Directory{"a": NewFileVal(1)}
	clone := orig.Clone()
	clone["b"] = NewFileVal(2)

	assert.Len(t, orig, 1, "mutating the clone must not affect the original")
	assert.Len(t, clone, 2)
}

func TestSplitPath(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		want    []string
		wantErr bool
	}{
		{name: "single component", key: "foo", want: []string{"foo"}},
		{name: "nested", key: "a/b/c", want: []string{"a", "b", "c"}},
		{name: "collapses repeated slashes", key: "a//b", want: []string{"a", "b"}},
		{name: "ignores surrounding slashes", key: "/a/b/", want: []string{"a", "b"}},
		{name: "empty key rejected", key: "", wantErr: true},
		{name: "all slashes rejected", key: "///", wantErr: true},
		{name: "dot component rejected", key: "a/./b", wantErr: true},
		{name: "dotdot component rejected", key: "a/../b", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SplitPath(tc.key)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDirentKindString(t *testing.T) {
	assert.Equal(t, "FILEREF", FILEREF.String())
	assert.Equal(t, "DIRVAL", DIRVAL.String())
	assert.Equal(t, "UNKNOWN", DirentKind(99).String())
}
