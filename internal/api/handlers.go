package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signalgw/internal/export"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

const maxWait = 5 * time.Minute

type createTaskRequest struct {
	ControllerID   string                     `json:"controllerId"`
	SyncType       models.SyncType            `json:"syncType"`
	Priority       int                        `json:"priority"`
	TimeoutSeconds int                        `json:"timeoutSeconds"`
	MaxRetryCount  int                        `json:"maxRetryCount"`
	Payload        map[string]json.RawMessage `json:"payload"`
	Submit         bool                       `json:"submit"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.scheduler.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": stats.Paused})
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := models.SyncRequest{
		ControllerID:   strings.TrimSpace(body.ControllerID),
		SyncType:       body.SyncType,
		Priority:       body.Priority,
		TimeoutSeconds: body.TimeoutSeconds,
		MaxRetryCount:  body.MaxRetryCount,
	}
	if len(body.Payload) > 1 {
		writeError(w, http.StatusBadRequest, "payload must hold exactly one object")
		return
	}
	for objectType, raw := range body.Payload {
		p, err := s.decoder.DecodePayload(objectType, raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		req.Payload = p
	}

	taskID, err := s.scheduler.CreateTask(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Submit {
		if err := s.scheduler.Enqueue(taskID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	task, err := s.scheduler.GetStatus(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.GetStatus(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleSubmit queues a task. With ?wait=<duration> it blocks until the task
// is terminal or the wait elapses.
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	waitRaw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if waitRaw == "" {
		if err := s.scheduler.Enqueue(taskID); err != nil {
			writeDomainError(w, err)
			return
		}
		task, err := s.scheduler.GetStatus(taskID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
		return
	}

	wait, err := time.ParseDuration(waitRaw)
	if err != nil || wait <= 0 || wait > maxWait {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid wait %q", waitRaw))
		return
	}

	future, err := s.scheduler.Submit(taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result := future.Wait(r.Context(), wait)
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.scheduler.GetStatus(taskID); err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.scheduler.Cancel(taskID) {
		writeDomainError(w, gwerrors.Business("task %s can no longer be cancelled", taskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "cancelled": true})
}

func (s *HTTPServer) handleActiveTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(s.scheduler.GetActiveTasks())})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	controllerID, limit, ok := historyParams(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(s.scheduler.GetHistory(controllerID, limit))})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetStats())
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	controllerID, limit, ok := historyParams(w, r)
	if !ok {
		return
	}

	now := s.now()
	var buf bytes.Buffer
	if err := export.WriteTasks(&buf, s.scheduler.GetHistory(controllerID, limit), now); err != nil {
		s.logger.Error().Err(err).Msg("export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(now)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleSaveExport writes the workbook into the export directory instead of
// streaming it.
func (s *HTTPServer) handleSaveExport(w http.ResponseWriter, r *http.Request) {
	controllerID, limit, ok := historyParams(w, r)
	if !ok {
		return
	}
	path, err := export.SaveTasks(s.exportDir, s.scheduler.GetHistory(controllerID, limit), s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("dir", s.exportDir).Msg("export save failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	s.logger.Info().Str("path", path).Msg("tasks exported")
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (s *HTTPServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *HTTPServer) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	snapshot := map[string][]string{}
	if s.subscriptions != nil {
		snapshot = s.subscriptions.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": snapshot})
}

func historyParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return "", 0, false
		}
		limit = n
	}
	return strings.TrimSpace(q.Get("controller")), limit, true
}

func nonNil(tasks []models.SyncTask) []models.SyncTask {
	if tasks == nil {
		return []models.SyncTask{}
	}
	return tasks
}
