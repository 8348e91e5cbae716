// Package web exposes the daemon's status surface: health, live counters
// and a PNG preview of the frame currently believed to be on the display.
package web

import (
	"encoding/json"
	"image/png"
	"net/http"

	"udlblit/internal/blit"
	appLog "udlblit/internal/log"
)

// Server provides the HTTP status API for one display session.
type Server struct {
	session *blit.Session
	mux     *http.ServeMux
}

// NewServer constructs a Server for the given session.
func NewServer(session *blit.Session) *Server {
	s := &Server{
		session: session,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"bounds": s.session.Bounds().String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.session.Stats())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	img := s.session.Snapshot()
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		appLog.Error("preview encode failed", err)
	}
}
