// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package bittorrent implements the core wire types shared by every
// protocol front-end: infohashes, peer IDs, addresses and the
// announce/scrape request and response shapes.
package bittorrent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

// InfoHashLen is the length in bytes of a BitTorrent v1 infohash.
const InfoHashLen = 20

// PeerIDLen is the length in bytes of a BitTorrent peer ID.
const PeerIDLen = 20

// InfoHash is the 20-byte SHA-1 digest identifying a torrent's swarm.
type InfoHash [InfoHashLen]byte

// InfoHashFromBytes builds an InfoHash from a byte slice, which must be
// exactly InfoHashLen bytes long.
func InfoHashFromBytes(b []byte) (InfoHash, error) {
	var ih InfoHash
	if len(b) != InfoHashLen {
		return ih, ErrInvalidInfoHash
	}
	copy(ih[:], b)
	return ih, nil
}

// InfoHashFromString parses a 40-character hex string into an InfoHash.
func InfoHashFromString(s string) (InfoHash, error) {
	var ih InfoHash
	if len(s) != InfoHashLen*2 {
		return ih, ErrInvalidInfoHash
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ih, ErrInvalidInfoHash
	}
	copy(ih[:], b)
	return ih, nil
}

func (ih InfoHash) String() string {
	return hex.EncodeToString(ih[:])
}

// ShardIndex returns the index into a 256-way shard table for this hash.
func (ih InfoHash) ShardIndex() byte {
	return ih[0]
}

// PeerID is the 20-byte opaque client identifier sent with every announce.
type PeerID [PeerIDLen]byte

// PeerIDFromBytes builds a PeerID from a byte slice, which must be exactly
// PeerIDLen bytes long.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDLen {
		return id, ErrInvalidPeerID
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// AddressFamily distinguishes IPv4 from IPv6 peers.
type AddressFamily byte

const (
	IPv4 AddressFamily = iota
	IPv6
)

func (af AddressFamily) String() string {
	if af == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

// IP wraps a net.IP with its resolved address family.
type IP struct {
	net.IP
	AddressFamily AddressFamily
}

// NewIP classifies a net.IP into an IP with its AddressFamily set.
func NewIP(ip net.IP) IP {
	if v4 := ip.To4(); v4 != nil {
		return IP{IP: v4, AddressFamily: IPv4}
	}
	return IP{IP: ip, AddressFamily: IPv6}
}

// Event is the client-reported lifecycle event of an announce.
type Event uint8

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return "none"
	}
}

// EventFromString parses the HTTP "event" query parameter.
func EventFromString(s string) (Event, error) {
	switch s {
	case "", "none":
		return None, nil
	case "started":
		return Started, nil
	case "stopped":
		return Stopped, nil
	case "completed":
		return Completed, nil
	default:
		return None, ErrInvalidEvent
	}
}

// Peer is a single participant in a swarm as observed by the front-end that
// accepted the announce.
type Peer struct {
	ID      PeerID
	IP      IP
	Port    uint16
	Updated time.Time
}

// Equal reports whether two peers share the identical address and ID.
func (p Peer) Equal(o Peer) bool {
	return p.ID == o.ID && p.Port == o.Port && p.IP.IP.Equal(o.IP.IP)
}

// CompactIPv4 renders the 6-byte BEP 23 compact representation of the peer.
func (p Peer) CompactIPv4() [6]byte {
	var b [6]byte
	copy(b[:4], p.IP.To4())
	b[4] = byte(p.Port >> 8)
	b[5] = byte(p.Port)
	return b
}

// CompactIPv6 renders the 18-byte compact representation of the peer.
func (p Peer) CompactIPv6() [18]byte {
	var b [18]byte
	copy(b[:16], p.IP.To16())
	b[16] = byte(p.Port >> 8)
	b[17] = byte(p.Port)
	return b
}

// AnnounceRequest is a client's request reporting its current state and
// asking for peer suggestions.
type AnnounceRequest struct {
	InfoHash   InfoHash
	Peer       Peer
	Event      Event
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int32
	NumWantSet bool
	Key        uint32
	Passkey    string
	RawQuery   string
}

// IsSeeder reports whether the announcing peer has nothing left to download.
func (r *AnnounceRequest) IsSeeder() bool {
	return r.Left == 0
}

// AnnounceResponse is the tracker's reply to an AnnounceRequest.
type AnnounceResponse struct {
	Interval    uint32
	MinInterval uint32
	Complete    int32
	Incomplete  int32
	Peers       []Peer
}

// ScrapeRequest is a client's request for swarm-size statistics on one or
// more infohashes.
type ScrapeRequest struct {
	InfoHashes []InfoHash
	Passkey    string
}

// TorrentStats is the (seeders, completed, leechers) triple returned for a
// single infohash in a scrape.
type TorrentStats struct {
	InfoHash   InfoHash
	Complete   int32
	Incomplete int32
	Downloaded int64
}

// ScrapeResponse is the tracker's reply to a ScrapeRequest.
type ScrapeResponse struct {
	Files []TorrentStats
}

// ClientError is returned for malformed or policy-rejected requests; it is
// always safe to report its text to the client.
type ClientError string

func (e ClientError) Error() string { return string(e) }

// NotFoundError indicates the requested resource does not exist.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }

// IsPublicError determines whether an error should be propagated to the
// client verbatim, as opposed to masked behind a generic 500.
func IsPublicError(err error) bool {
	_, cl := err.(ClientError)
	_, nf := err.(NotFoundError)
	return cl || nf
}

var (
	ErrMalformedPacket    = ClientError("malformed packet")
	ErrInvalidInfoHash    = ClientError("invalid infohash")
	ErrInvalidPeerID      = ClientError("invalid peer id")
	ErrInvalidPort        = ClientError("invalid port")
	ErrInvalidEvent       = ClientError("invalid event")
	ErrScrapeTooLarge     = ClientError("scrape too large")
	ErrConnectionIDExpired = ClientError("connection_id expired")

	ErrNotWhitelisted = ClientError("unapproved infohash")
	ErrBlacklisted    = ClientError("infohash is blacklisted")
	ErrUnauthorizedKey = ClientError("unauthorized key")
	ErrUnknownUser    = ClientError("unknown user")

	ErrTorrentDNE = NotFoundError("torrent does not exist")
	ErrUserDNE    = NotFoundError("user does not exist")
)

// Sanitize validates and clamps request fields to server-side limits,
// mirroring canonical chihaya's bittorrent.SanitizeAnnounce.
func (r *AnnounceRequest) Sanitize(maxNumWant, defaultNumWant int32) error {
	if r.Peer.Port == 0 {
		return ErrInvalidPort
	}
	if !r.NumWantSet || r.NumWant < 0 {
		r.NumWant = defaultNumWant
	}
	if r.NumWant > maxNumWant {
		r.NumWant = maxNumWant
	}
	return nil
}

// SanitizeScrape enforces the maximum number of infohashes per scrape.
func SanitizeScrape(r *ScrapeRequest, max int) error {
	if len(r.InfoHashes) == 0 {
		return errors.New("bittorrent: scrape request has no infohashes")
	}
	if len(r.InfoHashes) > max {
		return ErrScrapeTooLarge
	}
	return nil
}

func (af AddressFamily) GoString() string {
	return fmt.Sprintf("AddressFamily(%s)", af.String())
}
