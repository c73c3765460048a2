package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/schema"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()
	user := userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Utilisateur non authentifié."})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, consts.MaxRequestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Requête trop volumineuse."})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Requête illisible."})
		return
	}

	req, err := schema.ParseRequest(data, s.maxHistory)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.orch.Handle(r.Context(), user, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log := s.log.With("user", user, "mode", req.Mode)
	if out.Degraded != nil {
		log.Warn("answered from fallback after %T: %v", out.Degraded, out.Degraded)
	}

	status := s.writeOutcome(w, out)
	log.With("stream", req.Stream, "outcome", out.Kind, "status", status).
		Info("POST /chat in %s", time.Since(start).Round(time.Millisecond))
}

// writeOutcome renders a terminal outcome and returns the status it sent.
func (s *Server) writeOutcome(w http.ResponseWriter, out *orchestrator.Outcome) int {
	status, body := outcomeBody(out)
	if out.Kind != orchestrator.KindStream {
		writeJSON(w, status, body)
		return status
	}
	if err := pipeEvents(newSSEWriter(w), out.Events, s.log); err != nil {
		s.log.Debug("stream client went away: %v", err)
	}
	return http.StatusOK
}

// outcomeBody returns the status and JSON body of a non-streaming outcome.
func outcomeBody(out *orchestrator.Outcome) (int, any) {
	switch out.Kind {
	case orchestrator.KindNeedsConfirmation:
		return http.StatusForbidden, out.Confirmation
	case orchestrator.KindForbidden:
		return http.StatusForbidden, out.Forbidden
	case orchestrator.KindStream:
		return http.StatusOK, nil
	default:
		return http.StatusOK, out.Response
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	logError(s.log, status, err)
	if status == statusClientClosed {
		return
	}
	writeJSON(w, status, body)
}

func logError(log *logger.Logger, status int, err error) {
	switch {
	case status == statusClientClosed:
		log.Debug("request cancelled by client: %v", err)
	case status >= http.StatusInternalServerError:
		log.Error("request failed with %d: %v", status, err)
	default:
		log.Info("request rejected with %d: %v", status, err)
	}
}
