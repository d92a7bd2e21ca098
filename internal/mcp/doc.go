// Package mcp implements the Model Context Protocol (MCP) server for memindex.
//
// The server exposes three tools to agents:
//   - memory_search: ranked snippets from memory notes and session transcripts
//   - memory_sync: bring the index up to date and report what changed
//   - memory_status: counts, sync state and search capability
//
// Every tool takes an optional agent_id. Each agent gets its own index scope,
// created on first use; omitting agent_id selects the configured agent.
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport. Stdout carries protocol
// messages only; all logging goes to stderr.
//
//	memindex serve
//
// # Tool: memory_search
//
//	Request:
//	{
//	  "name": "memory_search",
//	  "arguments": {
//	    "query": "what did we decide about the deploy window",
//	    "max_results": 6,
//	    "min_score": 0.35,
//	    "session_key": "chat-42"
//	  }
//	}
//
//	Response:
//	{
//	  "agent_id": "main",
//	  "query": "what did we decide about the deploy window",
//	  "count": 1,
//	  "results": [
//	    {
//	      "path": "memory/2025-01-14.md",
//	      "start_line": 3,
//	      "end_line": 9,
//	      "score": 0.71,
//	      "snippet": "Deploys move to Tuesday mornings...",
//	      "source": "memory"
//	    }
//	  ]
//	}
//
// A search never waits for indexing. When the index is dirty, or when
// session_key has not been seen before, a background sync starts and later
// searches see its results.
//
// # Tool: memory_sync
//
//	Request:
//	{"name": "memory_sync", "arguments": {"force": false}}
//
//	Response:
//	{
//	  "agent_id": "main",
//	  "full": false,
//	  "files_indexed": 2,
//	  "files_skipped": 14,
//	  "chunks_written": 5,
//	  "files": 16,
//	  "chunks": 41,
//	  "duration_ms": 182
//	}
//
// # Tool: memory_status
//
//	Request:
//	{"name": "memory_status", "arguments": {"refresh": true}}
//
// Without refresh the counts come from the last snapshot and may lag the
// store; as_of tells when they were read.
//
// # Error Handling
//
// Tool failures are returned as MCPError values:
//
//	-32602  Invalid params (empty query, out of range max_results, bad agent_id)
//	-32603  Internal error (store or sync failure)
package mcp
