package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// Outcome classifies how a dispatch ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeError           Outcome = "error"
	OutcomeErrorWithOutput Outcome = "errorWithOutput"
	OutcomeFiltered        Outcome = "filtered"
	OutcomeCancelled       Outcome = "cancelled"
)

// classify maps a result to an outcome. gotProgress tells errors that left
// partial output apart from errors that produced nothing.
func classify(result *types.Result, gotProgress bool) Outcome {
	switch {
	case result.ErrorDetails != nil && result.ErrorDetails.ResponseIsFiltered:
		return OutcomeFiltered
	case result.ErrorDetails != nil && gotProgress:
		return OutcomeErrorWithOutput
	case result.ErrorDetails != nil:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}

// RequestRecord is the telemetry of one finished dispatch. Durations are
// milliseconds; zero means unknown.
type RequestRecord struct {
	SessionID           string
	TurnID              string
	AgentID             string
	Location            string
	Attempt             int
	Outcome             Outcome
	TimeToFirstProgress int64
	TotalTime           int64
	// ElapsedBeforeCancel is how long the user waited before cancelling.
	ElapsedBeforeCancel int64
}

// Telemetry receives dispatch measurements.
type Telemetry interface {
	RequestCompleted(rec RequestRecord)
	FollowupsRetrieved(agentID string, count int)
}

// LogTelemetry writes telemetry records to a logger.
type LogTelemetry struct {
	Log zerolog.Logger
}

func (t LogTelemetry) RequestCompleted(rec RequestRecord) {
	t.Log.Info().
		Str("session", rec.SessionID).
		Str("turn", rec.TurnID).
		Str("agent", rec.AgentID).
		Str("location", rec.Location).
		Int("attempt", rec.Attempt).
		Str("outcome", string(rec.Outcome)).
		Int64("timeToFirstProgress", rec.TimeToFirstProgress).
		Int64("totalTime", rec.TotalTime).
		Int64("elapsedBeforeCancel", rec.ElapsedBeforeCancel).
		Msg("request completed")
}

func (t LogTelemetry) FollowupsRetrieved(agentID string, count int) {
	t.Log.Debug().Str("agent", agentID).Int("count", count).Msg("followups retrieved")
}
