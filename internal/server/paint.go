package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/iceweasel13/monplace/internal/admission"
	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/observability"
)

const maxPaintBody = 1 << 10

// PaintRequest is the body of POST /api/paint.
type PaintRequest struct {
	X     *int            `json:"x"`
	Y     *int            `json:"y"`
	Color grid.ColorInput `json:"color"`
}

type cooldownBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func (s *Server) handlePaint(w http.ResponseWriter, r *http.Request) {
	actor, err := s.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		observability.RecordAdmission("unauthenticated")
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req PaintRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPaintBody))
	if err := dec.Decode(&req); err != nil {
		observability.RecordAdmission("invalid_input")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.X == nil || req.Y == nil || req.Color == "" {
		observability.RecordAdmission("invalid_input")
		writeError(w, http.StatusBadRequest, "x, y and color are required")
		return
	}

	_, err = s.gate.TryAdmit(r.Context(), actor, *req.X, *req.Y, string(req.Color))
	var cooldown *admission.CooldownError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.As(err, &cooldown):
		secs := cooldown.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, cooldownBody{
			Error:             fmt.Sprintf("cooldown active, retry in %ds", secs),
			RetryAfterSeconds: secs,
		})
	case errors.Is(err, admission.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "authentication required")
	default:
		s.logger.Error().Err(err).Str("actor", actor).Msg("paint admission failed")
		writeError(w, http.StatusInternalServerError, "could not record paint, try again")
	}
}
