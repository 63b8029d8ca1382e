// Package externalapi is the deliberately thin HTTP JSON client for the
// outbound competition API: one method per endpoint, basic auth from
// configuration, explicit timeouts. The retry/idempotence/backoff logic
// around these calls lives in pkg/submitter; this package is wire-level
// glue only.
package externalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trailofbits/crs-core/pkg/model"
)

// Config configures the client.
type Config struct {
	Endpoint string
	KeyID    string
	KeyToken string
	Timeout  time.Duration
}

// Client is the outbound competition API client.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client from cfg, defaulting Timeout to 30s.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// StatusResponse is the common shape of every create/poll response.
type StatusResponse struct {
	ID     string                 `json:"id"`
	Status model.SubmissionStatus `json:"status"`
}

// APIError distinguishes 4xx (non-retryable) from 5xx (transient).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("externalapi: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the server-side failure should be retried
// with backoff (5xx) rather than treated as terminal (4xx).
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*StatusResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("externalapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("externalapi: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeyToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("externalapi: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out StatusResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("externalapi: decode response: %w", err)
	}
	return &out, nil
}

// SubmitPOV creates a new PoV submission.
func (c *Client) SubmitPOV(ctx context.Context, taskID, crashToken, crashInputRef, sanitizer string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodPost, "/v1/task/"+taskID+"/pov", map[string]string{
		"crash_token": crashToken, "crash_input_ref": crashInputRef, "sanitizer": sanitizer,
	})
}

// PollPOV polls an existing PoV submission's status.
func (c *Client) PollPOV(ctx context.Context, taskID, competitionPOVID string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodGet, "/v1/task/"+taskID+"/pov/"+competitionPOVID, nil)
}

// LookupPOV resolves a PoV submission by its client-side reference key
// (the crash_token), used by the submitter to recover the competition id
// after a crash between POST and ledger write. A 404 means the original
// POST never reached the server.
func (c *Client) LookupPOV(ctx context.Context, taskID, crashToken string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodGet, "/v1/task/"+taskID+"/pov?ref="+crashToken, nil)
}

// SubmitPatch creates a new patch submission. refKey is the client-side
// reference key echoed back by LookupPatch.
func (c *Client) SubmitPatch(ctx context.Context, taskID, refKey, patchText string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodPost, "/v1/task/"+taskID+"/patch", map[string]string{"ref": refKey, "patch": patchText})
}

// LookupPatch resolves a patch submission by its client-side reference
// key, the recovery counterpart of LookupPOV.
func (c *Client) LookupPatch(ctx context.Context, taskID, refKey string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodGet, "/v1/task/"+taskID+"/patch?ref="+refKey, nil)
}

// PollPatch polls an existing patch submission's status.
func (c *Client) PollPatch(ctx context.Context, taskID, competitionPatchID string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodGet, "/v1/task/"+taskID+"/patch/"+competitionPatchID, nil)
}

// CreateBundle creates a new bundle linking a passed PoV and patch.
func (c *Client) CreateBundle(ctx context.Context, taskID, povID, patchID string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodPost, "/v1/task/"+taskID+"/bundle", map[string]string{
		"pov_id": povID, "patch_id": patchID,
	})
}

// PatchBundle PATCHes an existing bundle with additional artifacts (e.g.
// a SARIF assessment id).
func (c *Client) PatchBundle(ctx context.Context, taskID, bundleID string, fields map[string]string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodPatch, "/v1/task/"+taskID+"/bundle/"+bundleID, fields)
}

// SubmitSARIF submits a SARIF assessment, an additional producer into
// the confirmed-vulnerability pipeline.
func (c *Client) SubmitSARIF(ctx context.Context, taskID, sarifBlobRef string) (*StatusResponse, error) {
	return c.do(ctx, http.MethodPost, "/v1/task/"+taskID+"/sarif", map[string]string{"sarif_ref": sarifBlobRef})
}
