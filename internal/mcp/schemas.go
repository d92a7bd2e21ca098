package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// agentIDProperty is shared by every tool; omitted means the default agent
var agentIDProperty = map[string]interface{}{
	"type":        "string",
	"description": "Agent whose memory to use. Defaults to the server's configured agent.",
}

// memorySearchTool returns the tool definition for memory_search
func memorySearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "memory_search",
		Description: "Search the agent's memory notes and past session transcripts. Returns ranked snippets with file paths and line ranges.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language or keyword query",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-50)",
					"minimum":     1,
					"maximum":     maxResultsLimit,
				},
				"min_score": map[string]interface{}{
					"type":        "number",
					"description": "Drop results scoring below this threshold (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
				"session_key": map[string]interface{}{
					"type":        "string",
					"description": "Identifies the calling session; the first search of a new session refreshes the index in the background",
				},
				"agent_id": agentIDProperty,
			},
			Required: []string{"query"},
		},
	}
}

// memorySyncTool returns the tool definition for memory_sync
func memorySyncTool() mcp.Tool {
	return mcp.Tool{
		Name:        "memory_sync",
		Description: "Bring the memory index up to date with the workspace and session transcripts, then report what changed",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"reason": map[string]interface{}{
					"type":        "string",
					"description": "Why the sync was requested; recorded in logs only",
					"default":     "manual",
				},
				"force": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, rebuild the whole index instead of only changed files",
					"default":     false,
				},
				"agent_id": agentIDProperty,
			},
		},
	}
}

// memoryStatusTool returns the tool definition for memory_status
func memoryStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "memory_status",
		Description: "Report index counts, sync state, and search capability for an agent",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"refresh": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, read counts from the store now instead of returning the last snapshot",
					"default":     false,
				},
				"agent_id": agentIDProperty,
			},
		},
	}
}
