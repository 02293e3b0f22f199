package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opsnotify/internal/notification"
	"opsnotify/internal/pipeline"
	logx "opsnotify/pkg/logx"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decode reads one JSON value. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) ingestSystem(w http.ResponseWriter, r *http.Request) {
	var raw notification.RawSystemNotice
	if err := decode(r, &raw, false); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	ok, err := s.p.IngestSystem(r.Context(), raw)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": ok})
}

func (s *Server) ingestWhatsApp(w http.ResponseWriter, r *http.Request) {
	var raw notification.RawWhatsAppEvent
	if err := decode(r, &raw, false); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	d, err := s.p.IngestWhatsApp(r.Context(), raw)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	s.p.Flush()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVisible(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.p.Visible()))
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.p.Pending()))
}

func nonNil(list []notification.UnifiedNotification) []notification.UnifiedNotification {
	if list == nil {
		return []notification.UnifiedNotification{}
	}
	return list
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := s.p.Get(id)
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("notification %q: %w", id, pipeline.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	s.p.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) action(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, pipeline.ErrNotFound):
		s.fail(w, r, http.StatusNotFound, err)
	default:
		s.fail(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.p.Dismiss(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) mute(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.p.Mute(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) unmute(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"changed": s.p.Unmute(r.Context(), chi.URLParam(r, "id"))})
}

func (s *Server) revive(w http.ResponseWriter, r *http.Request) {
	s.action(w, r, s.p.Revive(chi.URLParam(r, "id")))
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Presence().State())
}

func (s *Server) putPresence(w http.ResponseWriter, r *http.Request) {
	var st pipeline.PresenceState
	if err := decode(r, &st, false); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	st.ActiveConversation = strings.TrimSpace(st.ActiveConversation)
	s.p.Presence().Set(st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At time.Time `json:"at"`
	}
	if err := decode(r, &body, true); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if body.At.IsZero() {
		body.At = s.clock.Now()
	}
	conv := chi.URLParam(r, "id")
	p := s.p.Presence()
	p.MarkRead(conv, body.At)
	at, _ := p.LastRead(conv)
	writeJSON(w, http.StatusOK, map[string]time.Time{"lastReadAt": at})
}

func (s *Server) archive(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Archived bool `json:"archived"`
	}{Archived: true}
	if err := decode(r, &body, true); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	s.p.Presence().SetArchived(chi.URLParam(r, "id"), body.Archived)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Stats())
}

func (s *Server) leaderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Stats().Leader)
}

func (s *Server) maintain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Maintain(r.Context()))
}
