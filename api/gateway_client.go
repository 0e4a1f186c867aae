package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/models"
)

// GatewayClient calls the gateway API on behalf of a worker.
type GatewayClient struct {
	baseURL string
	http    *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Get reads one bounty through the undelayed by-id path.
func (c *GatewayClient) Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error) {
	var m bounty.Metadata
	err := doJSON(ctx, c.http, http.MethodGet, c.baseURL+"/api/bounty/"+url.PathEscape(string(id)), "", nil, &m)
	return m, err
}

// Backlog reads one page of the delayed listing of open bounties. A nil
// before starts from the newest record.
func (c *GatewayClient) Backlog(ctx context.Context, before *bounty.PageKey, limit int) ([]bounty.Metadata, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.String())
	}
	target := c.baseURL + "/api/bounties"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var resp models.BountyListResponse
	if err := doJSON(ctx, c.http, http.MethodGet, target, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bounties, nil
}

// Submit sends a worker result.
func (c *GatewayClient) Submit(ctx context.Context, id bounty.ID, wallet bounty.Address, result string) (models.SubmitWorkResponse, error) {
	var resp models.SubmitWorkResponse
	req := models.SubmitWorkRequest{WalletAddress: string(wallet), Result: result}
	err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/bounty/"+url.PathEscape(string(id))+"/submit", "", req, &resp)
	return resp, err
}

// Submissions lists the submissions already recorded for a bounty.
func (c *GatewayClient) Submissions(ctx context.Context, id bounty.ID) (models.SubmissionsResponse, error) {
	var resp models.SubmissionsResponse
	err := doJSON(ctx, c.http, http.MethodGet, c.baseURL+"/api/bounty/"+url.PathEscape(string(id))+"/submissions", "", nil, &resp)
	return resp, err
}

// Ping checks the gateway health endpoint.
func (c *GatewayClient) Ping(ctx context.Context) error {
	return doJSON(ctx, c.http, http.MethodGet, c.baseURL+"/healthz", "", nil, nil)
}
