// Package protocol owns the wire contract shared by every framehub layer.
//
// Ownership boundary:
// - error taxonomy (errors.go)
// - frame codec primitives (frame/)
//
// Framing is `<u32 little-endian length><UTF-8 JSON body>`; the body carries
// a command name and a string-encoded JSON payload.
package protocol
