package board

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

const defaultLeaderboardLimit = 50

// Server is the board's HTTP API.
type Server struct {
	store *Store
	mux   *http.ServeMux
}

// NewServer creates a Server with all routes registered.
func NewServer(store *Store) *Server {
	s := &Server{store: store, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/winners", s.handleWinners)
	s.mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "asip-board",
	})
}

// WinnersReport is the body nodes POST after a consensus round.
type WinnersReport struct {
	RequestID string   `json:"requestId"`
	Winners   []string `json:"winners"`
	Timestamp int64    `json:"timestamp"`
}

func (s *Server) handleWinners(w http.ResponseWriter, r *http.Request) {
	var report WinnersReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(report.Winners) == 0 {
		writeError(w, http.StatusBadRequest, "no winners listed")
		return
	}

	if err := s.store.RecordWinners(report.Winners, report.Timestamp); err != nil {
		log.Printf("[BOARD] record winners for %s: %v", report.RequestID, err)
		writeError(w, http.StatusInternalServerError, "record failed")
		return
	}

	log.Printf("[BOARD] request %s: %d winners recorded", report.RequestID, len(report.Winners))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.store.Leaderboard(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total, err := s.store.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lastUpdated": time.Now().UnixMilli(),
		"totalAgents": total,
		"agents":      entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
