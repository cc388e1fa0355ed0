// Package http implements the HTTP tracker protocol (BEP 3, with BEP 7 and
// BEP 23 compact peers and BEP 48 scrape), grounded on the teacher's
// http package but retargeted at the new tracker.Tracker engine.
package http

import (
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/tylerb/graceful"
	"golang.org/x/net/netutil"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/config"
	"github.com/chihayatrack/chihayad/stats"
	"github.com/chihayatrack/chihayad/tracker"
)

// ResponseHandler is an HTTP handler that additionally reports the status
// code it wrote, for logging and stats.
type ResponseHandler func(http.ResponseWriter, *http.Request, httprouter.Params) (int, error)

// Server serves the BitTorrent HTTP tracker protocol.
type Server struct {
	cfg           config.HTTPConfig
	private       bool
	realIPHeader  string
	tracker       *tracker.Tracker
	grace         *graceful.Server
}

// NewServer constructs an HTTP front-end over tkr. realIPHeader, if
// non-empty, names the proxy header trusted for the client's real address
// (e.g. "X-Forwarded-For") in front of a reverse proxy.
func NewServer(cfg config.HTTPConfig, private bool, realIPHeader string, tkr *tracker.Tracker) *Server {
	return &Server{cfg: cfg, private: private, realIPHeader: realIPHeader, tracker: tkr}
}

func makeHandler(handler ResponseHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		httpCode, err := handler(w, r, p)
		duration := time.Since(start)

		var msg string
		if err != nil {
			msg = err.Error()
		} else if httpCode != http.StatusOK {
			msg = http.StatusText(httpCode)
		}

		if len(msg) > 0 {
			// A handler that returns an error has already written its
			// bencoded failure body; only a bare non-200 status is written here.
			if err == nil {
				http.Error(w, msg, httpCode)
			}
			stats.RecordEvent(stats.ErroredRequest)
			glog.Errorf("[HTTP - %9s] %s %s (%d - %s)", duration, r.URL.Path, r.RemoteAddr, httpCode, msg)
		} else if glog.V(2) {
			glog.Infof("[HTTP - %9s] %s %s (%d)", duration, r.URL.Path, r.RemoteAddr, httpCode)
		}

		stats.RecordEvent(stats.HandledRequest)
		stats.RecordTiming(stats.ResponseTime, duration)
	}
}

func (s *Server) newRouter() *httprouter.Router {
	r := httprouter.New()
	if s.private {
		r.GET("/users/:passkey/announce", makeHandler(s.serveAnnounce))
		r.GET("/users/:passkey/scrape", makeHandler(s.serveScrape))
	} else {
		r.GET("/announce", makeHandler(s.serveAnnounce))
		r.GET("/scrape", makeHandler(s.serveScrape))
	}
	r.GET("/", makeHandler(s.serveIndex))
	return r
}

func connState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		stats.RecordEvent(connectionEvent(conn))
	case http.StateClosed:
		stats.RecordClosedConnection()
	}
}

// connectionEvent classifies a freshly-accepted connection by address
// family so it's counted against the right tcp4/tcp6 protocol bucket.
func connectionEvent(conn net.Conn) int {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return stats.TCP4Connection
	}
	ip := net.ParseIP(host)
	if ip != nil && bittorrent.NewIP(ip).AddressFamily == bittorrent.IPv6 {
		return stats.TCP6Connection
	}
	return stats.TCP4Connection
}

// Serve binds the listener and blocks, applying an optional connection
// cap (netutil.LimitListener) before handing off to graceful.
func (s *Server) Serve() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.ListenLimit > 0 {
		l = netutil.LimitListener(l, s.cfg.ListenLimit)
	}

	s.grace = &graceful.Server{
		Timeout: 10 * time.Second,
		Server: &http.Server{
			Handler:      s.newRouter(),
			ReadTimeout:  s.cfg.ReadTimeout.Duration,
			WriteTimeout: s.cfg.WriteTimeout.Duration,
			ConnState:    connState,
		},
	}

	glog.Infof("http: serving on %s", l.Addr())
	err = s.grace.Serve(l)
	glog.Info("http: server shut down cleanly")
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.grace != nil {
		s.grace.Stop(s.grace.Timeout)
	}
}
