package content

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// RPCClient talks to a Kubo-compatible RPC API (the pinning node).
type RPCClient struct {
	baseURL string
	client  *http.Client
}

func NewRPCClient(baseURL string, client *http.Client) *RPCClient {
	if client == nil {
		client = &http.Client{}
	}
	return &RPCClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *RPCClient) Cat(ctx context.Context, c cid.Cid) ([]byte, error) {
	endpoint := r.baseURL + "/api/v0/cat?arg=" + url.QueryEscape(c.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("pinning node returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
}
