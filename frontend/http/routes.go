package http

import (
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/stats"
)

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case bittorrent.IsPublicError(err):
		return http.StatusOK // BitTorrent clients expect 200 with a bencoded failure reason
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) serveAnnounce(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	req, err := newAnnounceRequest(r, p, s.realIPHeader)
	if err != nil {
		writeError(w, err)
		return http.StatusOK, err
	}

	resp, err := s.tracker.HandleAnnounce(req)
	if err != nil {
		writeError(w, err)
		return statusForError(err), err
	}

	if req.Peer.IP.AddressFamily == bittorrent.IPv6 {
		stats.RecordEvent(stats.TCP6Announce)
	} else {
		stats.RecordEvent(stats.TCP4Announce)
	}

	if err := writeAnnounce(w, resp, true, false); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

func (s *Server) serveScrape(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	req, err := newScrapeRequest(r, p)
	if err != nil {
		writeError(w, err)
		return http.StatusOK, err
	}

	resp, err := s.tracker.HandleScrape(req)
	if err != nil {
		writeError(w, err)
		return statusForError(err), err
	}

	if remoteAddressFamily(r) == bittorrent.IPv6 {
		stats.RecordEvent(stats.TCP6Scrape)
	} else {
		stats.RecordEvent(stats.TCP4Scrape)
	}

	if err := writeScrape(w, resp); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

// remoteAddressFamily classifies r's remote address for stats purposes.
// Scrape carries no peer IP in the BitTorrent sense (§4.3 is infohash-only),
// so the connection's own address stands in for the announce path's
// req.Peer.IP.AddressFamily.
func remoteAddressFamily(r *http.Request) bittorrent.AddressFamily {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return bittorrent.IPv4
	}
	return bittorrent.NewIP(ip).AddressFamily
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	_, _ = w.Write([]byte("chihaya\n"))
	return http.StatusOK, nil
}
