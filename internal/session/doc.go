// Package session holds the in-memory conversation model.
//
// A Session is an ordered list of turns. Each Turn pairs the user's input with
// a response.Response that accumulates the agent's output. Sessions also keep
// a checkpoint: setting it hides the checkpoint turn and everything after it
// without deleting anything, which lets a client roll the view back and
// forward.
//
// Turns can move between sessions with AdoptTurn; the turn and its response
// keep their identity and the source session reports a removal with reason
// adoption.
//
// Export and Import convert to and from types.SessionSnapshot. Import accepts
// every historical snapshot version and normalizes it first, see Normalize.
//
// Live sessions are tracked by a Registry, which callers construct and close
// explicitly.
package session
