package kvserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesSentinelByErrno(t *testing.T) {
	err := New(ENOENT, "no such key")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrIsDir))
}

func TestErrorMessageIncludesMsgWhenPresent(t *testing.T) {
	err := New(ENOTDIR, "foo/bar")
	assert.Equal(t, "not a directory: foo/bar", err.Error())

	bare := New(ENOTDIR, "")
	assert.Equal(t, "not a directory", bare.Error())
}

func TestErrnoOfExtractsWrappedErrno(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(ECOMMIT, "conflict"))
	assert.Equal(t, ECOMMIT, ErrnoOf(err))
}

func TestErrnoOfDefaultsToEPROTOForForeignErrors(t *testing.T) {
	assert.Equal(t, EPROTO, ErrnoOf(errors.New("plain error")))
}

func TestErrnoStringCoversEveryConstant(t *testing.T) {
	for e := EOK; e <= ESTORE; e++ {
		assert.NotEqual(t, "unknown error", e.String(), "errno %d needs a String case", int(e))
	}
}
