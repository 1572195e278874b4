package chixframe

import (
	"encoding/json"
	"net/http"

	"github.com/Skryldev/xframe"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type StatsSource interface {
	Stats() xframe.Stats
}

type connectionView struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
}

// Routes mounts the websocket endpoint at /ws, messenger counters at
// /stats and open connections at /connections.
func Routes(s *xframe.Server, stats StatsSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeHTTP)
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stats.Stats())
	})
	r.Get("/connections", func(w http.ResponseWriter, _ *http.Request) {
		conns := s.Conns()
		out := make([]connectionView, 0, len(conns))
		for _, c := range conns {
			out = append(out, connectionView{ID: string(c.ID()), Origin: c.Origin()})
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/connections/{id}", func(w http.ResponseWriter, req *http.Request) {
		c, ok := s.Conn(xframe.ConnID(chi.URLParam(req, "id")))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
			return
		}
		writeJSON(w, http.StatusOK, connectionView{ID: string(c.ID()), Origin: c.Origin()})
	})
	return r
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
