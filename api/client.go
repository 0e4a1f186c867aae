package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/core/retry"
	"bountyboard-backend/models"
)

// Client talks to a remote ledger node. It satisfies ledger.Source so the
// gateway and the agents can run against a ledger in another process.
type Client struct {
	baseURL string
	http    *http.Client
	// stream has no overall timeout; SSE connections are long-lived.
	stream  *http.Client
	backoff retry.Backoff
}

var _ ledger.Source = (*Client)(nil)

// NewClient creates a ledger client for baseURL (e.g. http://localhost:8000).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		backoff: retry.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second},
	}
}

// errorFromResponse maps a non-2xx reply onto the bounty error taxonomy.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	var kind error
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = bounty.ErrNotFound
	case http.StatusGone:
		kind = bounty.ErrCursorTooOld
	case http.StatusConflict:
		kind = bounty.ErrNotOpen
	case http.StatusForbidden:
		kind = bounty.ErrNotCreator
	case http.StatusPaymentRequired:
		kind = bounty.ErrInsufficientFunds
		if strings.Contains(msg, "authorization") {
			kind = bounty.ErrInsufficientAuthorization
		}
	case http.StatusBadRequest:
		kind = bounty.ErrInvalidInput
	case http.StatusTooManyRequests:
		kind = bounty.ErrRateLimited
	default:
		kind = bounty.ErrUnavailable
	}
	return fmt.Errorf("%w: server returned %d: %s", kind, resp.StatusCode, msg)
}

func (c *Client) do(ctx context.Context, method, path string, caller bounty.Address, body, out interface{}) error {
	return doJSON(ctx, c.http, method, c.baseURL+path, caller, body, out)
}

// doJSON sends one JSON request and decodes a 2xx reply into out.
func doJSON(ctx context.Context, hc *http.Client, method, target string, caller bounty.Address, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set(IdentityHeader, string(caller))
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode reply: %v", bounty.ErrUnavailable, err)
	}
	return nil
}

// Lookup reads one bounty. Unknown ids report false with a nil error.
func (c *Client) Lookup(ctx context.Context, id bounty.ID) (bounty.Bounty, bool, error) {
	var b bounty.Bounty
	err := c.do(ctx, http.MethodGet, "/ledger/bounties/"+url.PathEscape(string(id)), "", nil, &b)
	if errors.Is(err, bounty.ErrNotFound) {
		return bounty.Bounty{}, false, nil
	}
	if err != nil {
		return bounty.Bounty{}, false, err
	}
	return b, true, nil
}

func eventQuery(f bounty.EventFilter) url.Values {
	q := url.Values{}
	if f.From > 0 {
		q.Set("from", strconv.FormatUint(f.From, 10))
	}
	if f.Before > 0 {
		q.Set("before", strconv.FormatUint(f.Before, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	if f.BountyID != "" {
		q.Set("bounty_id", string(f.BountyID))
	}
	if f.Creator != "" {
		q.Set("creator", string(f.Creator))
	}
	if f.Recipient != "" {
		q.Set("recipient", string(f.Recipient))
	}
	return q
}

// Range reads a slice of the event stream.
func (c *Client) Range(ctx context.Context, f bounty.EventFilter) ([]bounty.Event, error) {
	var resp models.EventsResponse
	path := "/ledger/events"
	if q := eventQuery(f).Encode(); q != "" {
		path += "?" + q
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// CursorAt asks the node for the first position at or after since.
func (c *Client) CursorAt(ctx context.Context, since time.Time) (uint64, error) {
	var resp models.CursorResponse
	path := "/ledger/events/cursor?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Position, nil
}

// Follow tails the stream over SSE from position from, reconnecting with
// backoff when the connection drops. It returns when ctx is done, handle
// fails, or the node reports the cursor is too old.
func (c *Client) Follow(ctx context.Context, from uint64, handle func(bounty.Event) error) error {
	b := c.backoff
	for {
		next, err := c.followOnce(ctx, from, handle)
		if next > from {
			from = next
			b.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he handlerError
		if errors.As(err, &he) {
			return he.err
		}
		if errors.Is(err, bounty.ErrCursorTooOld) {
			return err
		}
		delay := b.Next()
		if err != nil {
			log.Printf("ledger client: stream from %d dropped: %v (retry in %s)", from, err, delay)
		}
		if serr := retry.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }

// followOnce runs one SSE connection and returns the position to resume from.
func (c *Client) followOnce(ctx context.Context, from uint64, handle func(bounty.Event) error) (uint64, error) {
	path := c.baseURL + "/ledger/events"
	if from > 0 {
		path += "?from=" + strconv.FormatUint(from, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return from, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return from, fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return from, errorFromResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var kind string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				kind = ""
				continue
			}
			payload := data.String()
			data.Reset()
			if kind == "error" {
				var e struct {
					Error string `json:"error"`
				}
				json.Unmarshal([]byte(payload), &e)
				return from, fmt.Errorf("%w: stream error: %s", bounty.ErrUnavailable, e.Error)
			}
			kind = ""
			var evt bounty.Event
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				return from, fmt.Errorf("decode event: %w", err)
			}
			if evt.Position < from {
				continue
			}
			if err := handle(evt); err != nil {
				return from, handlerError{err: err}
			}
			from = evt.Position + 1
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return from, fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
	}
	return from, io.ErrUnexpectedEOF
}

// Create opens a bounty on behalf of caller.
func (c *Client) Create(ctx context.Context, caller bounty.Address, amount int64) (bounty.ID, error) {
	var resp models.CreateLedgerBountyResponse
	err := c.do(ctx, http.MethodPost, "/ledger/bounties", caller, models.CreateLedgerBountyRequest{Amount: amount}, &resp)
	return resp.ID, err
}

// Release pays recipient and completes the bounty.
func (c *Client) Release(ctx context.Context, caller bounty.Address, id bounty.ID, recipient bounty.Address) error {
	return c.do(ctx, http.MethodPost, "/ledger/bounties/"+string(id)+"/release", caller, models.ReleaseRequest{Recipient: string(recipient)}, nil)
}

// Cancel refunds the creator.
func (c *Client) Cancel(ctx context.Context, caller bounty.Address, id bounty.ID) error {
	return c.do(ctx, http.MethodPost, "/ledger/bounties/"+string(id)+"/cancel", caller, struct{}{}, nil)
}

// Approve sets caller's allowance for the escrow account.
func (c *Client) Approve(ctx context.Context, caller bounty.Address, amount int64) error {
	return c.do(ctx, http.MethodPost, "/ledger/token/approve", caller, models.AmountRequest{Amount: amount}, nil)
}

// Ping checks the node is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.CursorAt(ctx, time.Now())
	return err
}
