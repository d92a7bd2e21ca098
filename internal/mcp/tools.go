package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/memindex/internal/memory"
	"github.com/dshills/memindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
)

const (
	// maxResultsLimit caps max_results on memory_search
	maxResultsLimit = 50

	// maxReportedErrors caps the per-file errors echoed by memory_sync
	maxReportedErrors = 5
)

// handleMemorySearch handles the memory_search tool invocation
func (s *Server) handleMemorySearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	maxResults := getIntDefault(args, "max_results", 0)
	if _, set := args["max_results"]; set && (maxResults < 1 || maxResults > maxResultsLimit) {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("max_results must be between 1 and %d", maxResultsLimit), map[string]interface{}{
			"param": "max_results",
			"value": maxResults,
		})
	}

	var minScore *float64
	if v, set := args["min_score"]; set {
		score, ok := v.(float64)
		if !ok || score < 0 || score > 1 {
			return nil, newMCPError(ErrorCodeInvalidParams, "min_score must be a number between 0 and 1", map[string]interface{}{
				"param": "min_score",
				"value": v,
			})
		}
		minScore = &score
	}

	m, err := s.manager(ctx, args)
	if err != nil {
		return nil, err
	}

	results, err := m.Search(ctx, query, memory.SearchOptions{
		MaxResults: maxResults,
		MinScore:   minScore,
		SessionKey: getStringDefault(args, "session_key", ""),
	})
	if err != nil {
		return nil, toolError(err, "search failed")
	}

	items := make([]map[string]interface{}, len(results))
	for i, r := range results {
		items[i] = map[string]interface{}{
			"path":       r.Path,
			"start_line": r.StartLine,
			"end_line":   r.EndLine,
			"score":      r.Score,
			"snippet":    r.Snippet,
			"source":     string(r.Source),
		}
	}

	response := map[string]interface{}{
		"agent_id": m.AgentID(),
		"query":    query,
		"count":    len(items),
		"results":  items,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleMemorySync handles the memory_sync tool invocation
func (s *Server) handleMemorySync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		// Every memory_sync argument is optional
		args = map[string]interface{}{}
	}

	m, err := s.manager(ctx, args)
	if err != nil {
		return nil, err
	}

	res, err := m.Sync(ctx, memory.SyncRequest{
		Reason: getStringDefault(args, "reason", types.ReasonManual),
		Force:  getBoolDefault(args, "force", false),
	})
	if err != nil {
		return nil, toolError(err, "sync failed")
	}

	st := m.Snapshot()
	response := map[string]interface{}{
		"agent_id":       m.AgentID(),
		"run_id":         res.RunID,
		"full":           res.Full,
		"files_indexed":  res.FilesIndexed,
		"files_skipped":  res.FilesSkipped,
		"files_failed":   res.FilesFailed,
		"files_removed":  res.FilesRemoved,
		"chunks_written": res.ChunksWritten,
		"embedded":       res.Embedded,
		"files":          st.Files,
		"chunks":         st.Chunks,
		"duration_ms":    res.Duration.Milliseconds(),
	}

	if n := len(res.ErrorMessages); n > 0 {
		if n > maxReportedErrors {
			response["errors"] = res.ErrorMessages[:maxReportedErrors]
			response["error_count"] = n
		} else {
			response["errors"] = res.ErrorMessages
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleMemoryStatus handles the memory_status tool invocation
func (s *Server) handleMemoryStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	m, err := s.manager(ctx, args)
	if err != nil {
		return nil, err
	}

	var st types.Status
	if getBoolDefault(args, "refresh", false) {
		st, err = m.RefreshStatus(ctx)
		if err != nil {
			return nil, toolError(err, "failed to get status")
		}
	} else {
		st = m.Status()
	}

	response := map[string]interface{}{
		"agent_id": st.AgentID,
		"files":    st.Files,
		"chunks":   st.Chunks,
		"dirty":    st.Dirty,
		"state":    string(st.State),
		"provider": st.Provider,
		"model":    st.Model,
		"cache": map[string]interface{}{
			"enabled":     st.Cache.Enabled,
			"entries":     st.Cache.Entries,
			"max_entries": st.Cache.MaxEntries,
		},
		"fts": map[string]interface{}{
			"enabled":   st.FTS.Enabled,
			"available": st.FTS.Available,
		},
		"vector": map[string]interface{}{
			"enabled":   st.Vector.Enabled,
			"available": st.Vector.Available,
			"dims":      st.Vector.Dims,
		},
	}
	if !st.AsOf.IsZero() {
		response["as_of"] = st.AsOf.Format(time.RFC3339)
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// manager resolves the agent_id argument to its Manager
func (s *Server) manager(ctx context.Context, args map[string]interface{}) (*memory.Manager, error) {
	agentID := getStringDefault(args, "agent_id", "")
	m, err := s.registry.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, memory.ErrInvalidAgentID) {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid agent_id", map[string]interface{}{
				"param":  "agent_id",
				"reason": err.Error(),
			})
		}
		return nil, toolError(err, "failed to open memory index")
	}
	return m, nil
}

// toolError maps a memory error onto an MCP error
func toolError(err error, message string) error {
	if errors.Is(err, types.ErrEmptyQuery) {
		return newMCPError(ErrorCodeInvalidParams, err.Error(), nil)
	}
	return newMCPError(ErrorCodeInternalError, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}
