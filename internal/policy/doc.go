// Package policy decides which client addresses may use the signaling
// server.
//
// The check runs before authentication, so a denied address never reaches
// credential verification.
package policy
