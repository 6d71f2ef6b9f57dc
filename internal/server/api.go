package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/session"
	"github.com/GriffinCanCode/earshot/internal/trace"
)

// settingsRequest carries a partial settings update. Absent fields keep
// their current value.
type settingsRequest struct {
	ConfidenceThreshold   *float64  `json:"confidence_threshold"`
	Categories            *[]string `json:"categories"`
	OptimisticEnabled     *bool     `json:"optimistic_enabled"`
	MaxErrorStreak        *int      `json:"max_error_streak"`
	CountVocabularyErrors *bool     `json:"count_vocabulary_errors"`
	APIKey                string    `json:"api_key"`
	Model                 string    `json:"model"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps an error code onto a response status.
func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.InvalidArgument, apperrors.ConfigInvalid, apperrors.VocabularyInvalid:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.DeviceUnavailable, apperrors.StreamBuildFailure, apperrors.NetworkFailure:
		return http.StatusServiceUnavailable
	case apperrors.RateLimited:
		return http.StatusTooManyRequests
	case apperrors.ConfigMissing:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := httpStatus(code)
	log := trace.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code.String()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidArgument, "invalid request body")
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.StartCapture(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "capture_started"})
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	s.mgr.StopCapture()
	writeJSON(w, http.StatusOK, map[string]string{"status": "capture_stopped"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	next := s.mgr.Settings()
	if req.ConfidenceThreshold != nil {
		next.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.Categories != nil {
		next.Categories = *req.Categories
	}
	if req.OptimisticEnabled != nil {
		next.OptimisticEnabled = *req.OptimisticEnabled
	}
	if req.MaxErrorStreak != nil {
		next.MaxErrorStreak = *req.MaxErrorStreak
	}
	if req.CountVocabularyErrors != nil {
		next.CountVocabularyErrors = *req.CountVocabularyErrors
	}

	if err := s.mgr.UpdateSettings(next); err != nil {
		writeError(w, r, err)
		return
	}
	s.mgr.SetCredentials(req.APIKey, req.Model)
	writeJSON(w, http.StatusOK, s.mgr.Settings())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apperrors.Newf(apperrors.InvalidArgument, "invalid limit %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.mgr.Recent(limit))
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Graph())
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	n := s.mgr.Rollback(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	closed, err := s.mgr.CloseSession(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.Sessions()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.LoadSession(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteSession(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(session.FormatJSON)
	}
	f, err := session.ParseFormat(name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	body, err := s.mgr.ExportSession(id, f)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctype, ext := f.ContentType()
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSummarizeSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.mgr.SummarizeSession(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
