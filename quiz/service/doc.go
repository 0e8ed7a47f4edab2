// Package service exposes the quiz core's operations to the HTTP, websocket,
// and MCP surfaces, wiring the session registry, the authorization service,
// and the storage collaborator together.
package service
