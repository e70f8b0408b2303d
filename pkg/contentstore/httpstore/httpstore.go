// Package httpstore implements contentstore.Store as an HTTP client
// against a remote blob service, grounded on the same net/http + JSON
// style as pkg/broker/httpbroker (itself grounded on the example pack's
// quorum replicator): GET/PUT by ref against a base URL.
package httpstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/garrettbslone/flux-core/pkg/contentstore"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

// Store is an HTTP client binding of contentstore.Store.
type Store struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Store {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{baseURL: baseURL, client: client}
}

func (s *Store) Load(ctx context.Context, ref kvstree.Ref) ([]byte, error) {
	url := fmt.Sprintf("%s/blob/%s", s.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, contentstore.NewNotFound(ref)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpstore: load %s: %s", ref, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *Store) Store(ctx context.Context, ref kvstree.Ref, data []byte) error {
	url := fmt.Sprintf("%s/blob/%s", s.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("httpstore: store %s: %s", ref, resp.Status)
	}
	return nil
}
