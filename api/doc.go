// Package api is the HTTP admin surface: session registration, lobby joins,
// availability queries, and owner commands, all answered in the protocol's
// envelope format.
package api
