package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/videre-progress/internal/generation"
	"github.com/JakeFAU/videre-progress/internal/metrics"
	"github.com/JakeFAU/videre-progress/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestBody = 64 << 10

type createSessionRequest struct {
	Topic string `json:"topic"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	sess, err := s.sessions.Start(generation.NewContext(topic))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, generation.ErrEmptyTopic):
			status = http.StatusBadRequest
		case errors.Is(err, generation.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("start session failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	id := sess.ID().String()
	w.Header().Set("Location", "/v1/sessions/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sessions.Cancel(id); err != nil {
		if errors.Is(err, generation.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id.String(), "status": "canceled"})
}

// streamSession writes the session snapshot as a server-sent event after
// every status change and once more when the session ends. Bursts coalesce
// into the latest snapshot.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer metrics.StreamOpened()()

	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	unsubscribe := sess.Subscribe(tracker.ObserverFuncs{
		OnStatusChange: func(tracker.StatusVector) { signal() },
		OnTerminal:     func(tracker.Outcome) { signal() },
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		payload, err := json.Marshal(sess.Snapshot())
		if err != nil {
			s.logger.Error("encode snapshot", zap.Error(err))
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			send()
			return
		case <-changed:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*tracker.Session, bool) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}
