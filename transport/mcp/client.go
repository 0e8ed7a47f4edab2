package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	ws "github.com/kuntalrambabu/arsnova-live/transport/websocket"
)

// Client is a thin MCP client that proxies quiz administration to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Live Quiz Server",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Live Quiz Server - MCP Interface

This is a thin client that proxies all requests to the REST API server.

AVAILABLE TOOLS:
- list_sessions: List all active quiz sessions
- session_status: Get one session's phase, question index, and member count
- start_quiz: Start a quiz (owner token required)
- advance_quiz: Move to the next question or to results (owner token required)
- close_quiz: Close a session and persist its results (owner token required)
- kick_member: Remove a member from a session (owner token required)
- session_results: Get the recorded answers for a session`),
	)

	c.registerTools()
}

func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all active quiz sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "session_status",
		Description: "Get the phase, question index, and member count of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
			},
			Required: []string{"quiz_name"},
		},
	}, c.handleSessionStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "start_quiz",
		Description: "Start a quiz session. Broadcasts the first question to all members.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
				"owner_token": map[string]interface{}{
					"type":        "string",
					"description": "Owner token issued at registration",
				},
			},
			Required: []string{"quiz_name", "owner_token"},
		},
	}, c.handleStartQuiz)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "advance_quiz",
		Description: "Advance to the next question, or to results after the last one",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
				"owner_token": map[string]interface{}{
					"type":        "string",
					"description": "Owner token issued at registration",
				},
			},
			Required: []string{"quiz_name", "owner_token"},
		},
	}, c.handleAdvanceQuiz)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "close_quiz",
		Description: "Close a session; results are persisted and members are notified",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
				"owner_token": map[string]interface{}{
					"type":        "string",
					"description": "Owner token issued at registration",
				},
			},
			Required: []string{"quiz_name", "owner_token"},
		},
	}, c.handleCloseQuiz)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "kick_member",
		Description: "Remove a member from a session by nickname",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
				"nickname": map[string]interface{}{
					"type":        "string",
					"description": "Member nickname to remove",
				},
				"owner_token": map[string]interface{}{
					"type":        "string",
					"description": "Owner token issued at registration",
				},
			},
			Required: []string{"quiz_name", "nickname", "owner_token"},
		},
	}, c.handleKickMember)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "session_results",
		Description: "Get the recorded answers for a session, keyed by nickname",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"quiz_name": map[string]interface{}{
					"type":        "string",
					"description": "Session hashtag",
				},
			},
			Required: []string{"quiz_name"},
		},
	}, c.handleSessionResults)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// apiCall performs one REST round trip and decodes the envelope. A FAILED
// envelope surfaces as an error carrying the wire reason.
func (c *Client) apiCall(method, path, ownerToken string, body interface{}) (ws.Envelope, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return ws.Envelope{}, err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return ws.Envelope{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ownerToken != "" {
		req.Header.Set("Authorization", ownerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ws.Envelope{}, err
	}
	defer resp.Body.Close()

	var env ws.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ws.Envelope{}, fmt.Errorf("API error: %d", resp.StatusCode)
	}
	if env.Status == ws.StatusFailed {
		reason, _ := env.Payload["reason"].(string)
		return env, fmt.Errorf("%s", reason)
	}
	return env, nil
}

// Tool handlers

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	env, err := c.apiCall("GET", "/api/v1/sessions", "", nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sessions, _ := env.Payload["sessions"].([]interface{})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Active Sessions (%d):\n\n", len(sessions)))
	for _, raw := range sessions {
		s, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("- %v (phase: %v, members: %v)\n",
			s["hashtag"], s["phase"], s["memberCount"]))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)

	env, err := c.apiCall("GET", "/api/v1/sessions/"+quizName, "", nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, _ := env.Payload["session"].(map[string]interface{})
	result := fmt.Sprintf("Session: %v\nPhase: %v\nQuestion: %v of %v\nMembers: %v\n",
		s["hashtag"], s["phase"], s["questionIndex"], s["questionCount"], s["memberCount"])
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleStartQuiz(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)
	ownerToken, _ := args["owner_token"].(string)

	if _, err := c.apiCall("POST", "/api/v1/sessions/"+quizName+"/start", ownerToken, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Quiz %s started", quizName)), nil
}

func (c *Client) handleAdvanceQuiz(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)
	ownerToken, _ := args["owner_token"].(string)

	if _, err := c.apiCall("POST", "/api/v1/sessions/"+quizName+"/next", ownerToken, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Quiz %s advanced", quizName)), nil
}

func (c *Client) handleCloseQuiz(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)
	ownerToken, _ := args["owner_token"].(string)

	if _, err := c.apiCall("POST", "/api/v1/sessions/"+quizName+"/close", ownerToken, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Quiz %s closed", quizName)), nil
}

func (c *Client) handleKickMember(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)
	nickname, _ := args["nickname"].(string)
	ownerToken, _ := args["owner_token"].(string)

	path := fmt.Sprintf("/api/v1/lobby/%s/member/%s", quizName, nickname)
	if _, err := c.apiCall("DELETE", path, ownerToken, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Member %s removed from %s", nickname, quizName)), nil
}

func (c *Client) handleSessionResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments.(map[string]interface{})
	quizName, _ := args["quiz_name"].(string)

	env, err := c.apiCall("GET", "/api/v1/sessions/"+quizName+"/results", "", nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, _ := env.Payload["results"].(map[string]interface{})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Results for %s (%d members):\n\n", quizName, len(results)))
	for name, answers := range results {
		data, _ := json.Marshal(answers)
		b.WriteString(fmt.Sprintf("- %s: %s\n", name, data))
	}
	return mcp.NewToolResultText(b.String()), nil
}
