package server

import (
	"net/http"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

const redacted = "********"

// getConfig handles GET /config. Provider API keys are masked.
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.appConfig == nil {
		writeJSON(w, http.StatusOK, types.Config{})
		return
	}

	cfg := *s.appConfig
	if len(cfg.Provider) > 0 {
		cfg.Provider = make(map[string]types.ProviderConfig, len(s.appConfig.Provider))
		for name, p := range s.appConfig.Provider {
			if p.APIKey != "" {
				p.APIKey = redacted
			}
			cfg.Provider[name] = p
		}
	}
	writeJSON(w, http.StatusOK, cfg)
}
