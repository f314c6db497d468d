package shellcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxMessageBytes = 1 << 10

// Handler returns the proxy handler. Control endpoints live under
// server.controlPrefix; every other request goes through the controlling
// worker or straight to the origin.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(s.cfg.Server.ControlPrefix, func(cr chi.Router) {
		cr.Post("/message", s.serveMessage)
		cr.Get("/status", s.serveStatus)
	})
	r.Handle("/*", http.HandlerFunc(s.handle))
	return r
}

// serveMessage posts the request body as a message. The target worker is
// picked by the "target" query parameter.
func (s *Service) serveMessage(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg := strings.TrimSpace(string(b))
	// Accept a JSON string too, as postMessage callers tend to send one.
	var quoted string
	if err := json.Unmarshal(b, &quoted); err == nil {
		msg = quoted
	}

	handled, err := s.PostMessage(r.Context(), r.URL.Query().Get("target"), msg)
	switch {
	case errors.Is(err, ErrNoWorker):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.log.Warn("post message", zap.String("message", msg), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !handled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Status()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		s.log.Warn("encode status", zap.Error(err))
	}
}
