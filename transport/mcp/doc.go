// Package mcp provides a Model Context Protocol surface for quiz
// administration.
//
// The package exposes a thin MCP server whose tools proxy to the REST API:
//   - list_sessions: List all active quiz sessions
//   - session_status: Get one session's phase and member count
//   - start_quiz: Start a quiz (owner token required)
//   - advance_quiz: Move to the next question or to results
//   - close_quiz: Close a session and persist its results
//   - kick_member: Remove a member from a session
//   - session_results: Get the recorded answers for a session
//
// The server supports two transport modes:
//   - Stdio: Direct stdio communication for local MCP clients
//   - HTTP: the /mcp endpoint on the main server
//
// Because every tool goes through the REST API, the MCP surface sees exactly
// the same envelope semantics and authorization rules as any other admin
// client.
package mcp
