package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mealsync/internal/caldav"
	"mealsync/internal/events"
	"mealsync/internal/export"
	"mealsync/internal/jobid"
	"mealsync/internal/models"
	"mealsync/internal/service"
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleAddImport(w http.ResponseWriter, r *http.Request) {
	var req models.ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.Imports.AddImportJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Status == models.ImportDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *HTTPServer) handleJobState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.Jobs.JobState(r.Context(), r.PathValue("queue"), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"in_queue": state.Blocking(),
		"state":    state,
	})
}

func (s *HTTPServer) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Caldav.SyncAllFutureItems(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Caldav.RetryFailedSyncs(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Caldav.TestConnection(r.Context(), r.PathValue("user")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *HTTPServer) handleRemoveConfig(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Caldav.RemoveCaldavConfig(r.Context(), r.PathValue("user"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *HTTPServer) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), models.DefaultStatusPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	res, err := s.svc.Caldav.ListStatuses(r.Context(), r.PathValue("user"), models.SyncStatus(q.Get("status")), page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleExportStatuses(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	status := models.SyncStatus(r.URL.Query().Get("status"))

	records, err := export.CollectAll(r.Context(), func(ctx context.Context, page, pageSize int) (models.SyncStatusPage, error) {
		return s.svc.Caldav.ListStatuses(ctx, userID, status, page, pageSize)
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteSyncStatuses(&buf, userID, records, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("export sync status")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sync_status_%s.xlsx"`, sanitizeFilename(userID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.svc.Settings.GetRecipePermissionPolicy(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *HTTPServer) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var policy models.RecipePermissionPolicy
	if !decodeBody(w, r, &policy) {
		return
	}
	for _, p := range []models.PermissionLevel{policy.View, policy.Edit, policy.Delete} {
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid permission level %q", p))
			return
		}
	}
	if err := s.svc.Settings.SetRecipePermissionPolicy(r.Context(), policy); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

var publishableEvents = map[string]bool{
	events.EventItemPlanned:     true,
	events.EventItemDeleted:     true,
	events.EventItemDateUpdated: true,
	events.EventRecipeRenamed:   true,
}

func (s *HTTPServer) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !publishableEvents[body.Name] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event %q", body.Name))
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	topic := events.Topic(body.Name, events.ScopeGlobal)
	if err := s.svc.Publisher.PublishJSON(r.Context(), topic, body.Name, body.Payload); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var statusErr *caldav.StatusError
	switch {
	case errors.Is(err, jobid.ErrInvalidURL),
		errors.Is(err, jobid.ErrUnknownPolicy),
		errors.Is(err, jobid.ErrMissingScope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrCaldavNotConfigured):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
