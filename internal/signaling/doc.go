// Package signaling implements the client side of the MicLink presence
// server connection.
//
// Channel owns one persistent WebSocket to the server. It sends the join
// frame as soon as the socket opens, keeps the connection alive with
// WebSocket ping frames and reconnects with capped exponential backoff after
// any unexpected close. Client layers the wire protocol on top: it tracks
// the online roster, turns inbound frames into typed events and exposes the
// outbound operations used by the call engine.
package signaling
