package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/report"
)

// Health is the body of GET /api/health.
type Health struct {
	Status             string `json:"status"`
	MLReady            bool   `json:"mlReady"`
	ForensicsAvailable bool   `json:"forensicsAvailable"`
	Pending            int    `json:"pending"`
}

// errorBody is the body of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Health{
		Status:             "ok",
		MLReady:            s.analyzer.IsReady(),
		ForensicsAvailable: s.analyzer.HasForensics(),
		Pending:            s.analyzer.Pending(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorBody{Error: "Route not found"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	up, err := s.receiveUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.removeUpload(up.path)

	if err := s.limiter.Acquire(r.Context()); err != nil {
		s.writeError(w, r, errors.Join(apperrors.ErrCanceled, err))
		return
	}
	defer s.limiter.Release()

	res, err := s.analyzer.Analyze(r.Context(), up.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wr, err := report.Decode(res.Fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep := report.Build(wr, report.Upload{
		Name:        up.name,
		Size:        up.size,
		ContentType: up.contentType,
	}, s.now())

	s.logger.WithRequest(res.ID).Info("analysis complete",
		"verdict", rep.Verdict,
		"confidence", rep.Confidence,
		"size", up.size,
	)
	s.writeJSON(w, http.StatusOK, rep)
}

// statusFor maps an error to a response status and a client-safe message.
// Unclassified errors expose their text only when they are user facing.
func statusFor(err error) (int, string) {
	var valErr *apperrors.ValidationError
	switch {
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "File too large"
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Message()
	case apperrors.IsWorkerUnavailable(err):
		if errors.Is(err, apperrors.ErrNotReady) {
			return http.StatusServiceUnavailable, "ML worker is not ready"
		}
		return http.StatusServiceUnavailable, "ML worker process exited"
	case errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout, "ML worker request timed out"
	case errors.Is(err, apperrors.ErrCanceled):
		return http.StatusServiceUnavailable, "Request canceled"
	case apperrors.IsUserFacing(err):
		return http.StatusInternalServerError, userMessage(err)
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// userMessage returns the text of the first classified error in the chain,
// dropping context added while it propagated.
func userMessage(err error) string {
	var svcErr apperrors.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Error()
	}
	return err.Error()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	log := s.logger.With("path", r.URL.Path, "status", status, "error", err)
	switch {
	case status >= 500 && apperrors.GetSeverity(err) >= apperrors.SeverityError:
		log.Error("request failed")
	case status >= 500:
		log.Warn("request failed")
	default:
		log.Info("request rejected")
	}
	s.writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes value as the response body. Encoding failures usually
// mean the client went away and are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Debug("writing JSON response", "error", err)
	}
}
