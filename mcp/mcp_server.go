package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/services"
)

// MCPServer wraps the mcp-go server with the bounty board's read paths and
// the submission path, so AI workers can browse and submit as tools.
type MCPServer struct {
	mcpServer *server.MCPServer
	gateway   *services.GatewayService
	ledger    ledger.Source
	// tools mirrors the registrations for the HTTP bridge.
	tools []registeredTool
}

type registeredTool struct {
	tool    mcp.Tool
	handler server.ToolHandlerFunc
}

// NewMCPServer creates a new MCP server using the mcp-go library
func NewMCPServer(gateway *services.GatewayService, src ledger.Source) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Bounty Board MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		gateway:   gateway,
		ledger:    src,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	s.addTool(mcp.NewTool("list_bounties",
		mcp.WithDescription("List open bounties old enough to appear in the public backlog, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of bounties to return (default 50)")),
		mcp.WithString("before", mcp.Description("The next value of the previous page, to continue the listing")),
	), s.handleListBounties)

	s.addTool(mcp.NewTool("get_bounty",
		mcp.WithDescription("Get one bounty by id, including fresh bounties not yet in the backlog"),
		mcp.WithString("bounty_id", mcp.Required(), mcp.Description("Bounty id (0x + 64 hex)")),
	), s.handleGetBounty)

	s.addTool(mcp.NewTool("list_my_bounties",
		mcp.WithDescription("List the open bounties of one creator"),
		mcp.WithString("creator_address", mcp.Required(), mcp.Description("Creator address (0x + 40 hex)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of bounties to return (default 50)")),
	), s.handleListMyBounties)

	s.addTool(mcp.NewTool("list_submissions",
		mcp.WithDescription("List submissions for a bounty, flagging those accepted after it was resolved"),
		mcp.WithString("bounty_id", mcp.Required(), mcp.Description("Bounty id")),
	), s.handleListSubmissions)

	s.addTool(mcp.NewTool("submit_work",
		mcp.WithDescription("Submit a result for an open bounty. The creator picks the winner on the ledger."),
		mcp.WithString("bounty_id", mcp.Required(), mcp.Description("Bounty id")),
		mcp.WithString("wallet_address", mcp.Required(), mcp.Description("Wallet that should be paid if chosen")),
		mcp.WithString("result", mcp.Required(), mcp.Description("The work product")),
	), s.handleSubmitWork)

	s.addTool(mcp.NewTool("list_events",
		mcp.WithDescription("Read ledger events (created, completed, cancelled) from a position"),
		mcp.WithNumber("from", mcp.Description("First position to read (default: oldest retained)")),
		mcp.WithString("kind", mcp.Description("Only this kind: created, completed or cancelled")),
		mcp.WithString("bounty_id", mcp.Description("Only events for this bounty")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 100)")),
	), s.handleListEvents)
}

func (s *MCPServer) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools = append(s.tools, registeredTool{tool: tool, handler: handler})
}

func jsonResult(label string, v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode %s: %v", label, err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", action, err)
	switch {
	case bounty.IsTransient(err):
		msg += " (temporary, retry later)"
	case errors.Is(err, bounty.ErrNotOpen):
		msg += " (the bounty was already resolved)"
	}
	return mcp.NewToolResultError(msg)
}

func (s *MCPServer) handleListBounties(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 50)
	var before *bounty.PageKey
	if raw := request.GetString("before", ""); raw != "" {
		key, err := bounty.ParsePageKey(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		before = key
	}
	list, err := s.gateway.BacklogPage(ctx, before, limit)
	if err != nil {
		return toolError("failed to list bounties", err), nil
	}
	out := map[string]interface{}{
		"bounties":    list,
		"total_count": len(list),
	}
	if limit > 0 && len(list) == limit {
		out["next"] = bounty.KeyOf(list[len(list)-1]).String()
	}
	return jsonResult("bounties", out)
}

func (s *MCPServer) handleGetBounty(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("bounty_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := bounty.ParseID(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.gateway.Get(ctx, id)
	if err != nil {
		return toolError("failed to get bounty", err), nil
	}
	return jsonResult("bounty", m)
}

func (s *MCPServer) handleListMyBounties(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("creator_address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	creator, err := bounty.ParseAddress(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.gateway.ByCreator(ctx, creator, request.GetInt("limit", 50))
	if err != nil {
		return toolError("failed to list bounties", err), nil
	}
	return jsonResult("bounties", map[string]interface{}{
		"bounties":    list,
		"total_count": len(list),
	})
}

func (s *MCPServer) handleListSubmissions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("bounty_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := bounty.ParseID(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	m, subs, err := s.gateway.Submissions(ctx, id)
	if err != nil {
		return toolError("failed to list submissions", err), nil
	}
	return jsonResult("submissions", map[string]interface{}{
		"bounty_id":   id,
		"status":      m.Status.String(),
		"resolved_at": m.ResolvedAt(),
		"submissions": subs,
		"total_count": len(subs),
	})
}

func (s *MCPServer) handleSubmitWork(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawID, err := request.RequireString("bounty_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawWallet, err := request.RequireString("wallet_address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := request.RequireString("result")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := bounty.ParseID(rawID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wallet, err := bounty.ParseAddress(rawWallet)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sub, err := s.gateway.Submit(ctx, id, wallet, result)
	if err != nil {
		return toolError("failed to submit work", err), nil
	}
	return jsonResult("submission", map[string]interface{}{
		"submission_id": sub.ID,
		"bounty_id":     id,
		"sequence":      sub.Sequence,
		"message":       "submission recorded; the creator picks the winner on the ledger",
	})
}

func (s *MCPServer) handleListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := bounty.EventFilter{Limit: request.GetInt("limit", 100)}
	if from := request.GetInt("from", 0); from > 0 {
		filter.From = uint64(from)
	}
	if raw := strings.TrimSpace(request.GetString("kind", "")); raw != "" {
		kind, err := bounty.ParseEventKind(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Kinds = []bounty.EventKind{kind}
	}
	if raw := strings.TrimSpace(request.GetString("bounty_id", "")); raw != "" {
		id, err := bounty.ParseID(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.BountyID = id
	}
	events, err := s.ledger.Range(ctx, filter)
	if err != nil {
		return toolError("failed to read events", err), nil
	}
	return jsonResult("events", map[string]interface{}{
		"events":      events,
		"total_count": len(events),
	})
}
