// Package protocol defines the MicLink presence/signaling wire format.
//
// Every frame is a JSON object:
//
//	{"type": "...", "from": "...", "to": "...", "payload": {...}}
//
// "from" is never chosen by the caller: Encode injects the local user id and
// the server overwrites it with the id the connection joined as. Decoding is
// forward compatible: unknown message types yield ErrUnknownType so callers
// can drop them without tearing down the connection.
package protocol
