// Package envelope defines the wire envelope exchanged with the remote service.
//
// Every message is a flat object:
//
//	{ "type": "...", "request_id": "...", "timestamp": "2024-01-01T00:00:00Z",
//	  "priority": "high", "auth_token": "...", ...type-specific fields }
//
// System messages (ping, pong) never carry auth_token.
//
// Two codecs are provided: JSON text frames (default) and CBOR binary frames.
package envelope
