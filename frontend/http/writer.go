package http

import (
	"net/http"

	"github.com/chihaya/bencode"

	"github.com/chihayatrack/chihayad/bittorrent"
)

func writeError(w http.ResponseWriter, err error) error {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": err.Error(),
	})
}

func writeAnnounce(w http.ResponseWriter, resp *bittorrent.AnnounceResponse, compact bool, noPeerID bool) error {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")

	dict := bencode.Dict{
		"complete":     resp.Complete,
		"incomplete":   resp.Incomplete,
		"interval":     resp.Interval,
		"min interval": resp.MinInterval,
	}

	if compact {
		var v4, v6 []byte
		for _, p := range resp.Peers {
			if p.IP.AddressFamily == bittorrent.IPv6 {
				c := p.CompactIPv6()
				v6 = append(v6, c[:]...)
			} else {
				c := p.CompactIPv4()
				v4 = append(v4, c[:]...)
			}
		}
		dict["peers"] = string(v4)
		if len(v6) > 0 {
			dict["peers6"] = string(v6)
		}
	} else {
		list := make(bencode.List, 0, len(resp.Peers))
		for _, p := range resp.Peers {
			peerDict := bencode.Dict{
				"ip":   p.IP.String(),
				"port": p.Port,
			}
			if !noPeerID {
				peerDict["peer id"] = string(p.ID[:])
			}
			list = append(list, peerDict)
		}
		dict["peers"] = list
	}

	return bencode.NewEncoder(w).Encode(dict)
}

func writeScrape(w http.ResponseWriter, resp *bittorrent.ScrapeResponse) error {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")

	files := bencode.Dict{}
	for _, f := range resp.Files {
		files[string(f.InfoHash[:])] = bencode.Dict{
			"complete":   f.Complete,
			"incomplete": f.Incomplete,
			"downloaded": f.Downloaded,
		}
	}

	return bencode.NewEncoder(w).Encode(bencode.Dict{"files": files})
}
