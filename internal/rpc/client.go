package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cidd/pkg/api"
)

// Client calls another peer's Assignment RPC / Liveness Probe endpoints.
type Client struct {
	httpClient *http.Client
}

// NewClient constructs an RPC client with a bounded per-call timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// NextBucket asks peerURI (the leader) for the next bucket to run.
func (c *Client) NextBucket(ctx context.Context, peerURI, requestorURI, hostname string) (api.NextBucketResponse, error) {
	body, err := json.Marshal(api.NextBucketRequest{RequestorURI: requestorURI, Hostname: hostname})
	if err != nil {
		return api.NextBucketResponse{}, fmt.Errorf("marshal next-bucket request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURI+"/rpc/next-bucket", bytes.NewReader(body))
	if err != nil {
		return api.NextBucketResponse{}, fmt.Errorf("build next-bucket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.NextBucketResponse{}, fmt.Errorf("next-bucket request to %s: %w", peerURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return api.NextBucketResponse{}, fmt.Errorf("next-bucket request to %s returned status %d", peerURI, resp.StatusCode)
	}

	var out api.NextBucketResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.NextBucketResponse{}, fmt.Errorf("decode next-bucket response: %w", err)
	}
	return out, nil
}

// Processing asks peerURI (the bucket's claimed worker) whether it still
// believes it owns bucketID. A transport error is treated the same as a
// "false" answer by the scanner: the probe failed.
func (c *Client) Processing(ctx context.Context, peerURI, bucketID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURI+"/rpc/processing/"+bucketID, nil)
	if err != nil {
		return false, fmt.Errorf("build processing request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("processing request to %s: %w", peerURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("processing request to %s returned status %d", peerURI, resp.StatusCode)
	}

	var out api.ProcessingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode processing response: %w", err)
	}
	return out.Processing, nil
}
