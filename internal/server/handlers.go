package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"microreg/internal/pipeline"
	"microreg/internal/registration"
	"microreg/internal/render"
	"microreg/internal/viewer"
	"microreg/internal/volume"
)

// JobEvent is one job result on the SSE stream.
type JobEvent struct {
	ID    string           `json:"id"`
	Type  pipeline.JobType `json:"type"`
	Error string           `json:"error,omitempty"`
	Meta  map[string]any   `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid job: %v", err), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = pipeline.JobRegister
	}
	id := fmt.Sprintf("%s-%d", req.Type, time.Now().UnixNano())
	job, err := req.Build(id, s.defaultOutput)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := JobEvent{ID: res.Job.ID, Type: res.Job.Type, Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.viewer.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev viewer.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, fmt.Sprintf("invalid event: %v", err), http.StatusBadRequest)
		return
	}
	if ev.Control == "" {
		http.Error(w, "control required", http.StatusBadRequest)
		return
	}
	if err := s.viewer.Post(r.Context(), ev); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSlotImage(w http.ResponseWriter, r *http.Request) {
	role, err := volume.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	width := s.previewWidth
	if v := r.URL.Query().Get("width"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 4096 {
			http.Error(w, "width must be between 0 and 4096", http.StatusBadRequest)
			return
		}
		width = parsed
	}

	img, err := s.viewer.Render(r.Context(), role)
	switch {
	case errors.Is(err, viewer.ErrEmptySlot):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := render.Encode(w, render.ScaleToWidth(img, width), "png"); err != nil {
		s.log.Warn("encode slot image", "role", role.String(), "error", err)
	}
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Volumes(r.URL.Query().Get("all") == "1")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	if s.engines == nil {
		writeJSON(w, http.StatusOK, []registration.EngineStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.engines.Status())
}

// handleWebSocket registers the connection with the hub and feeds incoming
// messages to the viewer as events until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(conn) {
		conn.Close()
		return
	}
	defer s.hub.remove(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev viewer.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Control == "" {
			s.log.Debug("ignoring websocket message", "bytes", len(data))
			continue
		}
		if err := s.viewer.Post(r.Context(), ev); err != nil {
			s.log.Warn("viewer rejected websocket event", "control", ev.Control, "error", err)
			return
		}
	}
}
