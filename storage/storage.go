// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package storage implements a high-level abstraction over the sharded,
// in-memory peer store that backs announce and scrape handling.
package storage

import (
	"errors"
	"time"

	"github.com/chihayatrack/chihayad/bittorrent"
)

// ErrResourceDoesNotExist is returned when a torrent or peer lookup misses.
var ErrResourceDoesNotExist = errors.New("storage: resource does not exist")

// UpsertResult describes what upsertPeer actually did, so callers can
// decide whether a completed-download should be counted.
type UpsertResult struct {
	Created            bool
	MovedFromPeerToSeed bool
	Unchanged          bool
}

// TorrentEntry is the per-infohash state held by the store: the four peer
// maps plus the monotonic completed-download counter.
type TorrentEntry struct {
	SeedsV4   map[bittorrent.PeerID]bittorrent.Peer
	SeedsV6   map[bittorrent.PeerID]bittorrent.Peer
	PeersV4   map[bittorrent.PeerID]bittorrent.Peer
	PeersV6   map[bittorrent.PeerID]bittorrent.Peer
	Completed uint64
}

func newTorrentEntry() *TorrentEntry {
	return &TorrentEntry{
		SeedsV4: make(map[bittorrent.PeerID]bittorrent.Peer),
		SeedsV6: make(map[bittorrent.PeerID]bittorrent.Peer),
		PeersV4: make(map[bittorrent.PeerID]bittorrent.Peer),
		PeersV6: make(map[bittorrent.PeerID]bittorrent.Peer),
	}
}

// Len returns the total number of peers tracked by this entry.
func (t *TorrentEntry) Len() int {
	return len(t.SeedsV4) + len(t.SeedsV6) + len(t.PeersV4) + len(t.PeersV6)
}

// Seeders returns the current seeder count across both address families.
func (t *TorrentEntry) Seeders() int {
	return len(t.SeedsV4) + len(t.SeedsV6)
}

// Leechers returns the current leecher count across both address families.
func (t *TorrentEntry) Leechers() int {
	return len(t.PeersV4) + len(t.PeersV6)
}

// Empty reports whether the entry currently tracks no peers at all.
func (t *TorrentEntry) Empty() bool {
	return t.Len() == 0
}

// PeerStore is the sharded concurrent infohash -> TorrentEntry map and its
// algorithms: insertion, eviction by timeout, peer sampling, and completion
// accounting.
type PeerStore interface {
	// GetOrCreate returns the existing entry for infoHash, or inserts and
	// returns a new empty one if insertVacant is true. It returns
	// (nil, false) for an unknown infohash when insertVacant is false.
	GetOrCreate(infoHash bittorrent.InfoHash, insertVacant bool) (*TorrentEntry, bool)

	// Get performs a read-only lookup.
	Get(infoHash bittorrent.InfoHash) (*TorrentEntry, bool)

	// UpsertPeer ensures peer lives in exactly the correct one of the four
	// maps for infoHash, removing any prior placement in the other three.
	// When countCompletion is true and the peer was previously in one of the
	// leecher maps and is now placed as a seed, Completed is incremented
	// under the same shard lock as the placement change, so the check
	// (MovedFromPeerToSeed) and the increment can never race a concurrent
	// announce or sweep on the same entry (§5 compare-and-add requirement).
	UpsertPeer(infoHash bittorrent.InfoHash, peer bittorrent.Peer, isSeeder bool, insertVacant bool, countCompletion bool) (UpsertResult, error)

	// RemovePeer removes peerID from whichever map held it. If the entry
	// becomes empty and insertVacant is false, the entry is deleted.
	RemovePeer(infoHash bittorrent.InfoHash, peerID bittorrent.PeerID, insertVacant bool) error

	// SamplePeers returns up to requested peers of the caller's address
	// family only, excluding excludePeerID, plus swarm totals.
	SamplePeers(infoHash bittorrent.InfoHash, requested int, family bittorrent.AddressFamily, excludePeerID bittorrent.PeerID) (seeders, leechers int, peers []bittorrent.Peer, err error)

	// BulkScrape returns (seeders, completed, leechers) per infohash;
	// missing entries return all zeros.
	BulkScrape(infoHashes []bittorrent.InfoHash) []bittorrent.TorrentStats

	// DeleteTorrent removes infoHash outright, including any peers.
	DeleteTorrent(infoHash bittorrent.InfoHash) bool

	// ResetSeedsPeers wipes peer state without touching Completed counters.
	ResetSeedsPeers(infoHash bittorrent.InfoHash) bool

	// CollectGarbage removes peers whose last announce is older than cutoff,
	// deleting torrents left empty unless insertVacant is true.
	CollectGarbage(cutoff time.Time, insertVacant bool) (peersRemoved, torrentsRemoved int)

	// NumTorrents is a gauge over the number of tracked infohashes.
	NumTorrents() int

	// Snapshot iterates all (infohash, completed) pairs currently held,
	// used by the persistence pipeline to build a save batch.
	Snapshot(fn func(bittorrent.InfoHash, uint64))

	// LoadTorrent inserts an empty entry with a persisted completed
	// counter, used at boot to restore state from the backing store.
	LoadTorrent(infoHash bittorrent.InfoHash, completed uint64)
}
