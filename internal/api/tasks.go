// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/storymill/internal/journal"
	"github.com/ManuGH/storymill/internal/pipeline/model"
	"github.com/ManuGH/storymill/internal/pipeline/store"
)

// maxListLimit caps list responses regardless of the requested limit.
const maxListLimit = 500

// handleListTasks serves GET /api/v1/tasks with channel, status and limit
// filters.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.TaskFilter{Limit: 100}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	if v := q.Get("status"); v != "" {
		status := model.Status(strings.ToUpper(v))
		if !status.IsValid() {
			writeError(w, fmt.Errorf("unknown status %q", v))
			return
		}
		filter.Status = status
	}

	if v := q.Get("channel"); v != "" {
		// Accept either the channel id or the human key.
		ch, err := s.store.GetChannel(ctx, v)
		if errors.Is(err, model.ErrNotFound) {
			ch, err = s.store.GetChannelByKey(ctx, v)
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
		filter.ChannelID = ch.ID
	}

	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleGetTask serves GET /api/v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskHistory serves GET /api/v1/tasks/{id}/history from the journal.
// History is best effort; a disabled journal yields an empty list for
// existing tasks.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	// 404 for unknown tasks, not an empty history.
	if _, err := s.store.GetTask(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}

	entries := []journal.Entry{}
	if s.journal != nil {
		got, err := s.journal.History(ctx, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if got != nil {
			entries = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
