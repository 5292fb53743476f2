package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/taskforge/internal/task"
)

type createTaskRequest struct {
	UserID  string            `json:"user_id"`
	Type    string            `json:"type"`
	Text    string            `json:"text"`
	Payload map[string]string `json:"payload"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Type   string `json:"type"`
}

type approveTaskRequest struct {
	Decision string `json:"decision"`
	Content  string `json:"content"`
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Type = strings.TrimSpace(req.Type)
	req.Text = strings.TrimSpace(req.Text)

	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if !s.builder.Has(req.Type) {
		respondError(w, http.StatusBadRequest, "unknown_task_type", "no plan template for task type "+req.Type)
		return
	}

	t, err := s.manager.Enqueue(r.Context(), req.UserID, req.Type, task.Input{
		Text:    req.Text,
		Payload: req.Payload,
	})
	if err != nil {
		if errors.Is(err, task.ErrQuotaExceeded) {
			respondError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		return
	}
	s.metrics.ObserveTaskEvent(string(task.EventTaskEnqueued))

	respondJSON(w, http.StatusCreated, createTaskResponse{
		TaskID: t.ID,
		State:  string(t.State),
		Type:   t.Type,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	t, err := s.manager.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	reason := "cancelled by api"
	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	t, err := s.manager.Cancel(r.Context(), taskID, reason)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		if errors.Is(err, task.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "invalid_transition", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_cancel_failed", err.Error())
		return
	}
	s.metrics.ObserveTaskEvent(string(task.EventTaskCancelled))
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req approveTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	decision := task.ApprovalDecision(strings.TrimSpace(strings.ToLower(req.Decision)))
	if decision == "" {
		decision = task.DecisionApprove
	}
	if decision == task.DecisionEdit && strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required for an edit decision")
		return
	}

	t, err := s.manager.ResolveApproval(r.Context(), taskID, decision, req.Content)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		if errors.Is(err, task.ErrInvalidTransition) {
			respondError(w, http.StatusConflict, "invalid_transition", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_approval_failed", err.Error())
		return
	}
	s.metrics.ObserveTaskEvent(string(task.EventApprovalResolved))
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	events, err := s.manager.ListEvents(r.Context(), taskID, limit)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_events_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id query param is required")
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	tasks, err := s.manager.ListByUser(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "task_list_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"tasks":   tasks,
	})
}
