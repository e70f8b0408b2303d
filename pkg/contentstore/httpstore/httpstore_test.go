package httpstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garrettbslone/flux-core/pkg/contentstore"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

func TestLoadReturnsBodyOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/blob/ref1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("blob-data"))
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	data, err := s.Load(context.Background(), kvstree.Ref("ref1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-data"), data)
}

func TestLoadReturnsNotFoundOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	_, err := s.Load(context.Background(), kvstree.Ref("missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contentstore.ErrNotFound))
}

func TestLoadReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	_, err := s.Load(context.Background(), kvstree.Ref("ref1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, contentstore.ErrNotFound))
}

func TestStorePutsDataToServer(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	err := s.Store(context.Background(), kvstree.Ref("ref2"), []byte("to-store"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/blob/ref2", gotPath)
	assert.Equal(t, []byte("to-store"), gotBody)
}

func TestStoreReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, nil)
	err := s.Store(context.Background(), kvstree.Ref("ref3"), []byte("x"))
	assert.Error(t, err)
}
