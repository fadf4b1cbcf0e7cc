package editing

import (
	"sync"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// StreamingHandle applies the edits streamed by one response to one
// resource. Pushes are applied in call order.
type StreamingHandle struct {
	mu sync.Mutex

	es         *EditSession
	uri        string
	responseID string
	stopID     string
	completed  bool
	pushes     int
}

// StartStreamingEdits returns a handle for streaming edits of a response
// into uri.
func (es *EditSession) StartStreamingEdits(uri, responseID, stopID string) *StreamingHandle {
	return &StreamingHandle{
		es:         es,
		uri:        uri,
		responseID: responseID,
		stopID:     stopID,
	}
}

func (h *StreamingHandle) URI() string { return h.uri }

// PushText applies text edits. done completes the handle after applying.
func (h *StreamingHandle) PushText(edits []types.TextEdit, done bool) {
	h.push(func(r *resource) {
		r.notebook = false
		r.text = applyTextEdits(r.text, edits)
	}, done)
}

// PushNotebook applies notebook cell edits. done completes the handle after
// applying.
func (h *StreamingHandle) PushNotebook(edits []types.NotebookEdit, done bool) {
	h.push(func(r *resource) {
		r.notebook = true
		r.cells = applyNotebookEdits(r.cells, edits)
	}, done)
}

func (h *StreamingHandle) push(apply func(*resource), done bool) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		panic("editing: push after complete")
	}

	h.es.mu.Lock()
	r, ok := h.es.resources[h.uri]
	if !ok {
		r = &resource{}
		h.es.resources[h.uri] = r
	}
	apply(r)
	h.es.mu.Unlock()

	h.pushes++
	h.mu.Unlock()

	if done {
		h.Complete()
	}
}

// Complete marks the stream finished and records a checkpoint of the
// result. Further calls do nothing.
func (h *StreamingHandle) Complete() {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.completed = true
	pushes := h.pushes
	h.mu.Unlock()

	h.es.mu.Lock()
	defer h.es.mu.Unlock()
	cp := h.es.captureLocked()
	cp.ResponseID = h.responseID
	cp.StopID = h.stopID
	cp.Label = "Response " + h.responseID + " - " + h.uri
	h.es.checkpoints = append(h.es.checkpoints, cp)
	h.es.log.Debug().Str("uri", h.uri).Int("pushes", pushes).Msg("streamed edits complete")
}

// IsComplete reports whether Complete has been called.
func (h *StreamingHandle) IsComplete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}
