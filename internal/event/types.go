package event

// SessionDisposedData is the data for session.disposed events.
type SessionDisposedData struct {
	SessionID string `json:"sessionID"`
	Reason    string `json:"reason,omitempty"`
}

// SessionTitleData is the data for session.title events.
type SessionTitleData struct {
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
}

// TurnAddedData is the data for turn.added events.
type TurnAddedData struct {
	SessionID  string `json:"sessionID"`
	TurnID     string `json:"turnID"`
	ResponseID string `json:"responseID,omitempty"`
	Index      int    `json:"index"`
}

// TurnRemovedData is the data for turn.removed events.
// Reason is one of "removal", "resend" or "adoption".
type TurnRemovedData struct {
	SessionID string `json:"sessionID"`
	TurnID    string `json:"turnID"`
	Reason    string `json:"reason"`
}

// CheckpointChangedData is the data for checkpoint.changed events.
// TurnIDs lists the turns hidden behind the checkpoint.
type CheckpointChangedData struct {
	SessionID   string   `json:"sessionID"`
	Checkpoint  string   `json:"checkpoint,omitempty"`
	TurnIDs     []string `json:"turnIDs"`
	ResponseIDs []string `json:"responseIDs"`
}

// ResponseChangedData is the data for response.changed events.
type ResponseChangedData struct {
	SessionID  string `json:"sessionID"`
	TurnID     string `json:"turnID"`
	ResponseID string `json:"responseID"`
	Reason     string `json:"reason"`
	UndoStopID string `json:"undoStopID,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ResponseCompletedData is the data for response.completed events.
type ResponseCompletedData struct {
	SessionID  string `json:"sessionID"`
	TurnID     string `json:"turnID"`
	ResponseID string `json:"responseID"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

// StoreFlushedData is the data for store.flushed events.
type StoreFlushedData struct {
	SessionIDs []string `json:"sessionIDs"`
	Evicted    []string `json:"evicted,omitempty"`
	Failed     []string `json:"failed,omitempty"`
}
