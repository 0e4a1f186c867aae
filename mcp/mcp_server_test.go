package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/services"
	bstore "bountyboard-backend/storage/bounty"
)

var (
	creator = bounty.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	worker  = bounty.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newToolServer(t *testing.T) (*MCPServer, *ledger.Ledger, bounty.ID) {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.Open(ledger.Config{Genesis: map[bounty.Address]int64{creator: 1000}})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	l.Approve(ctx, creator, 100)
	id, err := l.Create(ctx, creator, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	store := bstore.NewMemoryStore()
	recon := services.NewReconciler(store, l.Source())
	evts, _ := l.Source().Range(ctx, bounty.EventFilter{})
	for _, evt := range evts {
		if err := recon.Apply(ctx, evt); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	gw := services.NewGatewayService(store, l.Source(), services.GatewayConfig{BacklogDelay: time.Minute})
	if _, err := gw.AttachMetadata(ctx, services.MetadataInput{ID: id, Title: "Write docs", Description: "for the api"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return NewMCPServer(gw, l.Source()), l, id
}

func callTool(t *testing.T, fn func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := fn(context.Background(), req)
	if err != nil {
		t.Fatalf("tool returned protocol error: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestBountyTools(t *testing.T) {
	s, l, id := newToolServer(t)

	t.Run("get_bounty", func(t *testing.T) {
		out, isErr := callTool(t, s.handleGetBounty, map[string]interface{}{"bounty_id": string(id)})
		if isErr {
			t.Fatalf("unexpected error: %s", out)
		}
		var m bounty.Metadata
		if err := json.Unmarshal([]byte(out), &m); err != nil || m.Title != "Write docs" {
			t.Fatalf("unexpected bounty %s (%v)", out, err)
		}
	})

	t.Run("get_bounty rejects bad ids", func(t *testing.T) {
		_, isErr := callTool(t, s.handleGetBounty, map[string]interface{}{"bounty_id": "0x1"})
		if !isErr {
			t.Fatal("expected tool error")
		}
		_, isErr = callTool(t, s.handleGetBounty, map[string]interface{}{})
		if !isErr {
			t.Fatal("expected missing argument error")
		}
	})

	t.Run("list_bounties honors the delay", func(t *testing.T) {
		out, _ := callTool(t, s.handleListBounties, map[string]interface{}{})
		if !strings.Contains(out, `"total_count": 0`) {
			t.Fatalf("fresh bounty should not be listed yet: %s", out)
		}
		out, _ = callTool(t, s.handleListMyBounties, map[string]interface{}{"creator_address": string(creator)})
		if !strings.Contains(out, `"total_count": 1`) {
			t.Fatalf("creator listing should include it: %s", out)
		}
	})

	t.Run("submit_work and list_submissions", func(t *testing.T) {
		out, isErr := callTool(t, s.handleSubmitWork, map[string]interface{}{
			"bounty_id":      string(id),
			"wallet_address": string(worker),
			"result":         "docs written",
		})
		if isErr {
			t.Fatalf("submit failed: %s", out)
		}
		out, _ = callTool(t, s.handleListSubmissions, map[string]interface{}{"bounty_id": string(id)})
		if !strings.Contains(out, "docs written") || !strings.Contains(out, `"status": "open"`) {
			t.Fatalf("unexpected submissions %s", out)
		}
	})

	t.Run("list_events", func(t *testing.T) {
		if err := l.Cancel(context.Background(), creator, id); err != nil {
			t.Fatal(err)
		}
		out, isErr := callTool(t, s.handleListEvents, map[string]interface{}{"kind": "cancelled"})
		if isErr || !strings.Contains(out, `"total_count": 1`) {
			t.Fatalf("unexpected events %s", out)
		}
		_, isErr = callTool(t, s.handleListEvents, map[string]interface{}{"kind": "bogus"})
		if !isErr {
			t.Fatal("expected error for unknown kind")
		}
	})
}

func TestHTTPToolBridge(t *testing.T) {
	s, _, id := newToolServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/tools", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"submit_work"`) {
		t.Fatalf("tool listing: %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"get bounty", `{"tool":"get_bounty","arguments":{"bounty_id":"` + string(id) + `"}}`, http.StatusOK},
		{"tool error", `{"tool":"get_bounty","arguments":{"bounty_id":"nope"}}`, http.StatusBadRequest},
		{"unknown tool", `{"tool":"claim_task"}`, http.StatusNotFound},
		{"missing tool", `{}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/call", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/call",
		strings.NewReader(`{"tool":"get_bounty","arguments":{"bounty_id":"`+string(id)+`"}}`)))
	var resp ToolCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.Success {
		t.Fatalf("decode: %v %s", err, rec.Body.String())
	}
	var m bounty.Metadata
	if err := json.Unmarshal(resp.Result, &m); err != nil || m.ID != id {
		t.Fatalf("result should be the bounty JSON: %s", resp.Result)
	}
}
