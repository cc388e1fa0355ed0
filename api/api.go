// Package api implements the JSON management API (§4.13): torrent
// whitelist entries, user accounts, and an operational check/stats surface,
// routed with go-chi/chi rather than the tracker front-ends' httprouter so
// the two surfaces can evolve independently. It has no blacklist or keys
// routes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/golang/glog"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/config"
	"github.com/chihayatrack/chihayad/stats"
	"github.com/chihayatrack/chihayad/storage/overlay"
	"github.com/chihayatrack/chihayad/tracker"
)

const jsonContentType = "application/json; charset=UTF-8"

// Server serves the JSON management API.
type Server struct {
	cfg     config.APIConfig
	tracker *tracker.Tracker
	http    *http.Server
}

// NewServer constructs a management-API server over tkr.
func NewServer(cfg config.APIConfig, tkr *tracker.Tracker) *Server {
	s := &Server{cfg: cfg, tracker: tkr}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Get("/check", s.check)
	r.Get("/stats", s.stats)

	r.Put("/torrents/{infohash}", s.putTorrent)
	r.Delete("/torrents/{infohash}", s.delTorrent)

	r.Put("/users/{passkey}", s.putUser)
	r.Delete("/users/{passkey}", s.delUser)
	r.Get("/users/{passkey}", s.getUser)

	return r
}

// authenticate enforces APIConfig.AuthToken when set, accepting it either as
// the "token" query parameter or as a bearer Authorization header; an empty
// token disables authentication (local/dev use).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			if r.URL.Query().Get("token") != s.cfg.AuthToken &&
				r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Serve binds and blocks until Stop is called.
func (s *Server) Serve() error {
	glog.Infof("api: listening on %s", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the API server down within APIConfig.RequestTimeout.
func (s *Server) Stop() {
	ctx, cancel := contextWithTimeout(s.cfg.RequestTimeout.Duration)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("STILL-ALIVE"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if _, flatten := r.URL.Query()["flatten"]; flatten {
		writeJSON(w, stats.DefaultStats.Flattened())
		return
	}
	writeJSON(w, stats.DefaultStats)
}

func (s *Server) putTorrent(w http.ResponseWriter, r *http.Request) {
	ih, err := bittorrent.InfoHashFromString(chi.URLParam(r, "infohash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.tracker.PutTorrent(ih)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) delTorrent(w http.ResponseWriter, r *http.Request) {
	ih, err := bittorrent.InfoHashFromString(chi.URLParam(r, "infohash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.tracker.DeleteTorrent(ih)
	w.WriteHeader(http.StatusOK)
}

type userRequest struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
}

func (s *Server) putUser(w http.ResponseWriter, r *http.Request) {
	passkey := chi.URLParam(r, "passkey")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = newUUID()
	}
	s.tracker.RegisterUser(&overlay.User{
		ID:      req.ID,
		Key:     passkey,
		Active:  true,
		Updated: time.Now(),
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) delUser(w http.ResponseWriter, r *http.Request) {
	s.tracker.DeleteUser(chi.URLParam(r, "passkey"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.tracker.Users.Get(chi.URLParam(r, "passkey"))
	if !ok {
		http.Error(w, "user does not exist", http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}
