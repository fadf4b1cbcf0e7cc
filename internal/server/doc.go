// Package server provides the HTTP API over the dispatch orchestrator, the
// session store and the event bus.
//
// # API Endpoints
//
//   - GET /session: live and stored sessions, most recently active first
//   - POST /session: start a live session
//   - GET /session/{id}: session snapshot, live or stored
//   - PATCH /session/{id}: rename
//   - DELETE /session/{id}: clear a live session (store or drop it), or delete a stored one
//   - POST /session/{id}/message: dispatch a message; "wait" holds the request until the response is complete
//   - POST /session/{id}/abort: cancel the pending request
//   - POST /session/{id}/checkpoint: block the view at a turn
//   - DELETE /session/{id}/turn/{turnID}: remove a turn
//   - POST /session/{id}/turn/{turnID}/resend: resend a turn as the next attempt
//   - GET /event: Server-Sent Events, optionally filtered with ?sessionID=
//   - GET /config: effective configuration with API keys masked
//
// Errors are returned as {"error": {"code": ..., "message": ...}}.
//
// # Event Streaming
//
// /event first sends a server.connected event, then every bus event as
//
//	event: message
//	data: {"type":"turn.added","sessionID":"...","data":{...}}
//
// with a heartbeat comment every 30 seconds.
package server
