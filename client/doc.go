// Package client is the attendee-side collaborator: REST join, websocket
// attach, and automatic reattachment across transport drops.
package client
