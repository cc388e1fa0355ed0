package udp

import (
	"encoding/binary"
	"net"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/stats"
)

// announceRequestSize is the fixed portion of a BEP 15 announce packet
// following the 16-byte common header.
const announceRequestSize = 82

const (
	optionEndOfOptions byte = 0x0
	optionNOP          byte = 0x1
	optionURLData      byte = 0x2
)

func (f *Frontend) handleAnnounce(b []byte, txID []byte, addr *net.UDPAddr, fallback bittorrent.AddressFamily) []byte {
	if len(b) < announceRequestSize {
		return newErrorResponse(txID, bittorrent.ErrMalformedPacket)
	}

	var req bittorrent.AnnounceRequest

	ih, err := bittorrent.InfoHashFromBytes(b[0:20])
	if err != nil {
		return newErrorResponse(txID, err)
	}
	req.InfoHash = ih

	pid, err := bittorrent.PeerIDFromBytes(b[20:40])
	if err != nil {
		return newErrorResponse(txID, err)
	}

	req.Downloaded = binary.BigEndian.Uint64(b[40:48])
	req.Left = binary.BigEndian.Uint64(b[48:56])
	req.Uploaded = binary.BigEndian.Uint64(b[56:64])

	switch binary.BigEndian.Uint32(b[64:68]) {
	case 1:
		req.Event = bittorrent.Completed
	case 2:
		req.Event = bittorrent.Started
	case 3:
		req.Event = bittorrent.Stopped
	default:
		req.Event = bittorrent.None
	}

	ip := addr.IP
	if ipBytes := binary.BigEndian.Uint32(b[68:72]); ipBytes != 0 {
		ip = net.IPv4(b[68], b[69], b[70], b[71])
	}

	req.Key = binary.BigEndian.Uint32(b[72:76])
	numWant := int32(binary.BigEndian.Uint32(b[76:80]))
	req.NumWant = numWant
	req.NumWantSet = numWant >= 0
	port := binary.BigEndian.Uint16(b[80:82])

	req.Peer = bittorrent.Peer{
		ID:   pid,
		IP:   bittorrent.NewIP(ip),
		Port: port,
	}

	// BEP 41 options (URLData carrying passkey path segments) may trail the
	// fixed announce body; parse but tolerate their absence.
	if len(b) > announceRequestSize {
		req.RawQuery = parseOptions(b[announceRequestSize:])
	}

	resp, err := f.tracker.HandleAnnounce(&req)
	if err != nil {
		return newErrorResponse(txID, err)
	}

	if req.Peer.IP.AddressFamily == bittorrent.IPv6 {
		stats.RecordEvent(stats.UDP6Announce)
	} else {
		stats.RecordEvent(stats.UDP4Announce)
	}

	return encodeAnnounceResponse(txID, resp, req.Peer.IP.AddressFamily)
}

// parseOptions walks the BEP 41 option block, returning the concatenation
// of any URLData segments. handleAnnounce stores the result in
// AnnounceRequest.RawQuery; no passkey is derived from it.
func parseOptions(b []byte) string {
	var out []byte
	for i := 0; i < len(b); {
		switch b[i] {
		case optionEndOfOptions:
			return string(out)
		case optionNOP:
			i++
		case optionURLData:
			if i+1 >= len(b) {
				return string(out)
			}
			n := int(b[i+1])
			i += 2
			if i+n > len(b) {
				return string(out)
			}
			out = append(out, b[i:i+n]...)
			i += n
		default:
			return string(out)
		}
	}
	return string(out)
}

func encodeAnnounceResponse(txID []byte, resp *bittorrent.AnnounceResponse, family bittorrent.AddressFamily) []byte {
	peerSize := 6
	if family == bittorrent.IPv6 {
		peerSize = 18
	}

	out := make([]byte, 20+peerSize*len(resp.Peers))
	binary.BigEndian.PutUint32(out[0:4], actionAnnounce)
	copy(out[4:8], txID)
	binary.BigEndian.PutUint32(out[8:12], resp.Interval)
	binary.BigEndian.PutUint32(out[12:16], uint32(resp.Incomplete))
	binary.BigEndian.PutUint32(out[16:20], uint32(resp.Complete))

	off := 20
	for _, p := range resp.Peers {
		if family == bittorrent.IPv6 {
			c := p.CompactIPv6()
			copy(out[off:], c[:])
		} else {
			c := p.CompactIPv4()
			copy(out[off:], c[:])
		}
		off += peerSize
	}
	return out
}

func (f *Frontend) handleScrape(b []byte, txID []byte, addr *net.UDPAddr) []byte {
	if len(b) == 0 || len(b)%20 != 0 {
		return newErrorResponse(txID, bittorrent.ErrMalformedPacket)
	}

	n := len(b) / 20
	ihs := make([]bittorrent.InfoHash, n)
	for i := 0; i < n; i++ {
		ih, err := bittorrent.InfoHashFromBytes(b[i*20 : i*20+20])
		if err != nil {
			return newErrorResponse(txID, err)
		}
		ihs[i] = ih
	}

	resp, err := f.tracker.HandleScrape(&bittorrent.ScrapeRequest{InfoHashes: ihs})
	if err != nil {
		return newErrorResponse(txID, err)
	}

	if bittorrent.NewIP(addr.IP).AddressFamily == bittorrent.IPv6 {
		stats.RecordEvent(stats.UDP6Scrape)
	} else {
		stats.RecordEvent(stats.UDP4Scrape)
	}

	out := make([]byte, 8+12*len(resp.Files))
	binary.BigEndian.PutUint32(out[0:4], actionScrape)
	copy(out[4:8], txID)
	for i, stat := range resp.Files {
		off := 8 + i*12
		binary.BigEndian.PutUint32(out[off:off+4], uint32(stat.Complete))
		binary.BigEndian.PutUint32(out[off+4:off+8], uint32(stat.Downloaded))
		binary.BigEndian.PutUint32(out[off+8:off+12], uint32(stat.Incomplete))
	}
	return out
}
