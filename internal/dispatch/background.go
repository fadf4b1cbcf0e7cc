package dispatch

import (
	"context"

	"github.com/opencode-ai/sessioncore/internal/editing"
	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// refreshFollowupContext cancels the followup request still running for the
// session and returns the context for the next one.
func (o *Orchestrator) refreshFollowupContext(sessionID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if prev, ok := o.followupCancel[sessionID]; ok {
		prev()
	}
	o.followupCancel[sessionID] = cancel
	o.mu.Unlock()
	return ctx
}

func (o *Orchestrator) stopFollowups(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.followupCancel[sessionID]
	delete(o.followupCancel, sessionID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) requestFollowups(ctx context.Context, turn *session.Turn, req Request) {
	if o.followups == nil {
		return
	}
	text := turn.Response.Markdown()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		followups, err := o.followups.ProvideFollowups(ctx, req, text)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn().Err(err).Str("session", req.SessionID).Msg("followup request failed")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if followups == nil {
			followups = []types.Followup{}
		}
		turn.Response.SetFollowups(followups)
		o.telemetry.FollowupsRetrieved(req.AgentID, len(followups))
	}()
}

// requestTitle names the session after its first turn unless the user
// already chose a title.
func (o *Orchestrator) requestTitle(turn *session.Turn, req Request) {
	if o.titles == nil {
		return
	}
	s, ok := o.sessions.Get(turn.SessionID())
	if !ok || len(s.Turns()) != 1 {
		return
	}
	if _, custom := s.CustomTitle(); custom {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		title, err := o.titles.Title(ctx, req.Input.Text)
		if err != nil {
			o.log.Warn().Err(err).Str("session", s.ID()).Msg("title generation failed")
			return
		}
		if title == "" {
			return
		}
		if _, custom := s.CustomTitle(); custom {
			return
		}
		s.SetCustomTitle(title)
		o.log.Debug().Str("session", s.ID()).Str("title", title).Msg("session titled")
	}()
}

// routeEdit streams edit fragments into the session's edit session. The
// caller holds p.mu.
func (o *Orchestrator) routeEdit(p *pendingRequest, turn *session.Turn, f types.Fragment) {
	switch f := f.(type) {
	case *types.UndoStopFragment:
		p.undoStop = f.ID
	case *types.TextEditFragment:
		if h := o.editHandle(p, turn, f.URI); h != nil {
			h.PushText(f.Edits, f.Done)
			if f.Done {
				delete(p.edits, f.URI)
			}
		}
	case *types.NotebookEditFragment:
		if h := o.editHandle(p, turn, f.URI); h != nil {
			h.PushNotebook(f.Edits, f.Done)
			if f.Done {
				delete(p.edits, f.URI)
			}
		}
	}
}

func (o *Orchestrator) editHandle(p *pendingRequest, turn *session.Turn, uri string) *editing.StreamingHandle {
	if o.editing == nil {
		return nil
	}
	if h, ok := p.edits[uri]; ok {
		return h
	}
	es, ok := o.editing.Get(turn.SessionID())
	if !ok {
		return nil
	}
	if p.edits == nil {
		p.edits = make(map[string]*editing.StreamingHandle)
	}
	h := es.StartStreamingEdits(uri, p.resp.ID(), p.undoStop)
	p.edits[uri] = h
	return h
}

// completeEdits finishes every edit stream still open for the request.
func (o *Orchestrator) completeEdits(p *pendingRequest) {
	p.mu.Lock()
	handles := p.edits
	p.edits = nil
	p.mu.Unlock()
	for _, h := range handles {
		h.Complete()
	}
}
