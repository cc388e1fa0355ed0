package http

import (
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/chihayatrack/chihayad/bittorrent"
)

func newAnnounceRequest(r *http.Request, p httprouter.Params, realIPHeader string) (*bittorrent.AnnounceRequest, error) {
	q, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, bittorrent.ErrMalformedPacket
	}

	if len(q.infoHashes) != 1 {
		return nil, bittorrent.ErrInvalidInfoHash
	}
	ih, err := bittorrent.InfoHashFromBytes([]byte(q.infoHashes[0]))
	if err != nil {
		return nil, err
	}

	peerIDStr, ok := q.String("peer_id")
	if !ok {
		return nil, bittorrent.ErrInvalidPeerID
	}
	peerID, err := bittorrent.PeerIDFromBytes([]byte(peerIDStr))
	if err != nil {
		return nil, err
	}

	port, ok := q.Uint16("port")
	if !ok {
		return nil, bittorrent.ErrInvalidPort
	}

	host, err := realIP(r, realIPHeader)
	if err != nil {
		return nil, bittorrent.ErrMalformedPacket
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, bittorrent.ErrMalformedPacket
	}

	left, _ := q.Uint64("left")
	uploaded, _ := q.Uint64("uploaded")
	downloaded, _ := q.Uint64("downloaded")

	eventStr, _ := q.String("event")
	event, err := bittorrent.EventFromString(eventStr)
	if err != nil {
		return nil, err
	}

	req := &bittorrent.AnnounceRequest{
		InfoHash:   ih,
		Event:      event,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Peer: bittorrent.Peer{
			ID:   peerID,
			IP:   bittorrent.NewIP(ip),
			Port: port,
		},
		RawQuery: r.URL.RawQuery,
	}

	if numWant, ok := q.Int32("numwant"); ok {
		req.NumWant = numWant
		req.NumWantSet = true
	}
	if key, ok := q.Uint64("key"); ok {
		req.Key = uint32(key)
	}
	req.Passkey = p.ByName("passkey")

	return req, nil
}

func realIP(r *http.Request, trustedHeader string) (string, error) {
	if trustedHeader != "" {
		if v := r.Header.Get(trustedHeader); v != "" {
			return v, nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, nil
	}
	return host, nil
}

func newScrapeRequest(r *http.Request, p httprouter.Params) (*bittorrent.ScrapeRequest, error) {
	q, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, bittorrent.ErrMalformedPacket
	}

	if len(q.infoHashes) == 0 {
		return nil, bittorrent.ErrInvalidInfoHash
	}

	ihs := make([]bittorrent.InfoHash, 0, len(q.infoHashes))
	for _, raw := range q.infoHashes {
		ih, err := bittorrent.InfoHashFromBytes([]byte(raw))
		if err != nil {
			return nil, err
		}
		ihs = append(ihs, ih)
	}

	return &bittorrent.ScrapeRequest{
		InfoHashes: ihs,
		Passkey:    p.ByName("passkey"),
	}, nil
}
