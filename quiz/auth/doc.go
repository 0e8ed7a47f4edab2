// Package auth issues and validates the opaque per-session tokens that
// distinguish the session owner from attendees.
package auth
