package types

// SnapshotVersion is the current persisted session format.
const SnapshotVersion = 3

// ResponseState is the lifecycle state of a response.
type ResponseState int

const (
	ResponsePending ResponseState = iota
	ResponseComplete
	ResponseCancelled
)

func (s ResponseState) String() string {
	switch s {
	case ResponsePending:
		return "pending"
	case ResponseComplete:
		return "complete"
	case ResponseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Variable is a structured mention attached to user input.
type Variable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Input is the immutable user input of a turn.
type Input struct {
	Text      string     `json:"text"`
	Variables []Variable `json:"variables,omitempty"`
}

// ErrorDetails describes why a response did not succeed.
type ErrorDetails struct {
	Message              string `json:"message"`
	Code                 string `json:"code,omitempty"`
	ResponseIsFiltered   bool   `json:"responseIsFiltered,omitempty"`
	ResponseIsIncomplete bool   `json:"responseIsIncomplete,omitempty"`
	ResponseIsRedacted   bool   `json:"responseIsRedacted,omitempty"`
}

// Timings are milliseconds measured from dispatch start.
type Timings struct {
	FirstProgress int64 `json:"firstProgress,omitempty"`
	TotalElapsed  int64 `json:"totalElapsed"`
}

// Result is what an agent returns when a turn finishes.
type Result struct {
	ErrorDetails *ErrorDetails  `json:"errorDetails,omitempty"`
	Timings      *Timings       `json:"timings,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Followup is a suggested next message.
type Followup struct {
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
}

type ResponseSnapshot struct {
	ID          string               `json:"id"`
	State       ResponseState        `json:"state"`
	Fragments   FragmentList         `json:"fragments"`
	Result      *Result              `json:"result,omitempty"`
	Followups   []Followup           `json:"followups,omitempty"`
	References  []ReferenceFragment  `json:"references,omitempty"`
	Citations   []CitationFragment   `json:"citations,omitempty"`
	UsedContext *UsedContextFragment `json:"usedContext,omitempty"`
	AgentID     string               `json:"agentId,omitempty"`
	CompletedAt int64                `json:"completedAt,omitempty"`
}

// RemoveOnSend marks a turn that is dropped or finalized by the next send.
type RemoveOnSend struct {
	AfterUndoStop string `json:"afterUndoStop,omitempty"`
}

type TurnSnapshot struct {
	ID                    string            `json:"id"`
	Input                 Input             `json:"input"`
	Attempt               int               `json:"attempt,omitempty"`
	Mode                  string            `json:"mode,omitempty"`
	AgentID               string            `json:"agentId,omitempty"`
	Timestamp             int64             `json:"timestamp"`
	Response              *ResponseSnapshot `json:"response,omitempty"`
	ShouldBeRemovedOnSend *RemoveOnSend     `json:"shouldBeRemovedOnSend,omitempty"`
}

// SessionSnapshot is the persisted projection of a session. Dates are unix
// milliseconds.
type SessionSnapshot struct {
	Version         int            `json:"version,omitempty"`
	SessionID       string         `json:"sessionId"`
	CreationDate    int64          `json:"creationDate"`
	LastMessageDate int64          `json:"lastMessageDate"`
	CustomTitle     *string        `json:"customTitle,omitempty"`
	ComputedTitle   string         `json:"computedTitle,omitempty"`
	IsImported      bool           `json:"isImported,omitempty"`
	InitialLocation string         `json:"initialLocation,omitempty"`
	Checkpoint      string         `json:"checkpoint,omitempty"`
	Turns           []TurnSnapshot `json:"turns"`
}

// IndexEntry is the metadata kept per session in the store index.
type IndexEntry struct {
	SessionID       string `json:"sessionId"`
	Title           string `json:"title"`
	LastMessageDate int64  `json:"lastMessageDate"`
	IsEmpty         bool   `json:"isEmpty"`
	IsImported      bool   `json:"isImported,omitempty"`
	InitialLocation string `json:"initialLocation,omitempty"`
}

// Index is the persisted session index.
type Index struct {
	Version int                   `json:"version"`
	Entries map[string]IndexEntry `json:"entries"`
}
