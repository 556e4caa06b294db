package runtime

import (
	"net/http"
	"strings"

	configpkg "github.com/drblury/eventbus/internal/runtime/config"
	"github.com/drblury/eventbus/internal/runtime/jsoncodec"
)

// StartWebUIServer exposes the handler stats and dead-letter counters when
// the web UI is enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = configpkg.DefaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/dead-letters", http.HandlerFunc(s.handleGetDeadLetters))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Stats())
}

func (s *Service) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.dlqMetrics.GetSnapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		if allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
