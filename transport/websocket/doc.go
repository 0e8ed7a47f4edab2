// Package websocket carries the live session protocol: a hub that registers
// every connection and fans events out to per-session subscriber sets, and a
// router that dispatches inbound envelopes through per-role operation tables.
package websocket
