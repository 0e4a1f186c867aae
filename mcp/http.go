package mcp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"bountyboard-backend/middleware"
)

// ToolCallRequest is the body of POST /mcp/call.
type ToolCallRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallResponse wraps a tool result for plain HTTP callers.
type ToolCallResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ToolInfo describes one tool for discovery.
type ToolInfo struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
}

// RegisterRoutes exposes the same tools over plain HTTP for agents that do
// not speak MCP.
func (s *MCPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp/tools", s.handleListTools)
	mux.HandleFunc("/mcp/call", s.handleToolCall)
}

func (s *MCPServer) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	infos := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		infos = append(infos, ToolInfo{Name: t.tool.Name, Description: t.tool.Description, InputSchema: t.tool.InputSchema})
	}
	middleware.JSON(w, http.StatusOK, map[string]interface{}{
		"tools":       infos,
		"total_count": len(infos),
	})
}

func (s *MCPServer) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.Error(w, http.StatusMethodNotAllowed, "Use POST /mcp/call")
		return
	}
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.Error(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	name := strings.TrimSpace(req.Tool)
	if name == "" {
		middleware.Error(w, http.StatusBadRequest, "tool name required")
		return
	}

	var found *registeredTool
	for i := range s.tools {
		if s.tools[i].tool.Name == name {
			found = &s.tools[i]
			break
		}
	}
	if found == nil {
		middleware.Error(w, http.StatusNotFound, "unknown tool "+name)
		return
	}

	var call mcp.CallToolRequest
	call.Params.Name = name
	call.Params.Arguments = req.Arguments
	res, err := found.handler(r.Context(), call)
	if err != nil {
		middleware.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	text := resultText(res)
	if res.IsError {
		middleware.JSON(w, http.StatusBadRequest, ToolCallResponse{Success: false, Error: text})
		return
	}
	raw := json.RawMessage(text)
	if !json.Valid(raw) {
		raw, _ = json.Marshal(text)
	}
	middleware.JSON(w, http.StatusOK, ToolCallResponse{Success: true, Result: raw})
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
