// Package memory implements the storage.PeerStore interface for a
// BitTorrent tracker keeping all peer and torrent data in memory, sharded
// 256 ways on the first byte of the infohash.
package memory

import (
	"sync"
	"time"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/storage"
)

// ShardCount is fixed at 256: the shard index is the first byte of the
// infohash, so there is exactly one shard per possible byte value.
const ShardCount = 256

type shard struct {
	mu       sync.RWMutex
	torrents map[bittorrent.InfoHash]*storage.TorrentEntry
}

type peerStore struct {
	shards [ShardCount]*shard
}

// New constructs an empty, ready-to-use in-memory peer store.
func New() storage.PeerStore {
	ps := &peerStore{}
	for i := range ps.shards {
		ps.shards[i] = &shard{torrents: make(map[bittorrent.InfoHash]*storage.TorrentEntry)}
	}
	return ps
}

func (ps *peerStore) shardFor(ih bittorrent.InfoHash) *shard {
	return ps.shards[ih.ShardIndex()]
}

func newEntry() *storage.TorrentEntry {
	return &storage.TorrentEntry{
		SeedsV4: make(map[bittorrent.PeerID]bittorrent.Peer),
		SeedsV6: make(map[bittorrent.PeerID]bittorrent.Peer),
		PeersV4: make(map[bittorrent.PeerID]bittorrent.Peer),
		PeersV6: make(map[bittorrent.PeerID]bittorrent.Peer),
	}
}

func (ps *peerStore) GetOrCreate(ih bittorrent.InfoHash, insertVacant bool) (*storage.TorrentEntry, bool) {
	s := ps.shardFor(ih)

	s.mu.RLock()
	if e, ok := s.torrents[ih]; ok {
		s.mu.RUnlock()
		return e, true
	}
	s.mu.RUnlock()

	if !insertVacant {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.torrents[ih]; ok {
		return e, true
	}
	e := newEntry()
	s.torrents[ih] = e
	return e, true
}

func (ps *peerStore) Get(ih bittorrent.InfoHash) (*storage.TorrentEntry, bool) {
	s := ps.shardFor(ih)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.torrents[ih]
	return e, ok
}

func targetMap(e *storage.TorrentEntry, af bittorrent.AddressFamily, isSeeder bool) map[bittorrent.PeerID]bittorrent.Peer {
	switch {
	case isSeeder && af == bittorrent.IPv4:
		return e.SeedsV4
	case isSeeder && af == bittorrent.IPv6:
		return e.SeedsV6
	case !isSeeder && af == bittorrent.IPv4:
		return e.PeersV4
	default:
		return e.PeersV6
	}
}

// UpsertPeer scrubs any prior placement of peer.ID from the other three
// maps, then inserts it into the one map dictated by (family, isSeeder).
// A peer found previously in one of the two "peer" (leecher) maps is
// reported via MovedFromPeerToSeed when the new placement is a seed map.
// If countCompletion is also set, Completed is bumped right here, under
// the same lock, rather than leaving the caller to re-acquire the entry
// and mutate it unsynchronized.
func (ps *peerStore) UpsertPeer(ih bittorrent.InfoHash, peer bittorrent.Peer, isSeeder bool, insertVacant bool, countCompletion bool) (storage.UpsertResult, error) {
	s := ps.shardFor(ih)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.torrents[ih]
	if !ok {
		if !insertVacant {
			return storage.UpsertResult{}, storage.ErrResourceDoesNotExist
		}
		e = newEntry()
		s.torrents[ih] = e
	}

	var wasPresent, wasPeer bool
	if _, found := e.SeedsV4[peer.ID]; found {
		delete(e.SeedsV4, peer.ID)
		wasPresent = true
	}
	if _, found := e.SeedsV6[peer.ID]; found {
		delete(e.SeedsV6, peer.ID)
		wasPresent = true
	}
	if _, found := e.PeersV4[peer.ID]; found {
		delete(e.PeersV4, peer.ID)
		wasPresent, wasPeer = true, true
	}
	if _, found := e.PeersV6[peer.ID]; found {
		delete(e.PeersV6, peer.ID)
		wasPresent, wasPeer = true, true
	}

	targetMap(e, peer.IP.AddressFamily, isSeeder)[peer.ID] = peer

	movedToSeed := wasPeer && isSeeder
	if countCompletion && movedToSeed {
		e.Completed++
	}

	return storage.UpsertResult{
		Created:             !wasPresent,
		MovedFromPeerToSeed: movedToSeed,
	}, nil
}

func (ps *peerStore) RemovePeer(ih bittorrent.InfoHash, peerID bittorrent.PeerID, insertVacant bool) error {
	s := ps.shardFor(ih)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.torrents[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	found := false
	if _, ok := e.SeedsV4[peerID]; ok {
		delete(e.SeedsV4, peerID)
		found = true
	}
	if _, ok := e.SeedsV6[peerID]; ok {
		delete(e.SeedsV6, peerID)
		found = true
	}
	if _, ok := e.PeersV4[peerID]; ok {
		delete(e.PeersV4, peerID)
		found = true
	}
	if _, ok := e.PeersV6[peerID]; ok {
		delete(e.PeersV6, peerID)
		found = true
	}
	if !found {
		return storage.ErrResourceDoesNotExist
	}

	if e.Empty() && !insertVacant {
		delete(s.torrents, ih)
	}
	return nil
}

// SamplePeers scans the seed map and then the leecher map of the caller's
// address family only, halting as soon as requested peers have been
// collected (BEP 23 limit, §4.2). Peers of the other family are never
// returned.
func (ps *peerStore) SamplePeers(ih bittorrent.InfoHash, requested int, family bittorrent.AddressFamily, exclude bittorrent.PeerID) (int, int, []bittorrent.Peer, error) {
	s := ps.shardFor(ih)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.torrents[ih]
	if !ok {
		return 0, 0, nil, storage.ErrResourceDoesNotExist
	}

	seeders := e.Seeders()
	leechers := e.Leechers()

	if requested <= 0 {
		return seeders, leechers, nil, nil
	}

	peers := make([]bittorrent.Peer, 0, requested)
	collect := func(m map[bittorrent.PeerID]bittorrent.Peer) {
		for id, p := range m {
			if len(peers) >= requested {
				return
			}
			if id == exclude {
				continue
			}
			peers = append(peers, p)
		}
	}

	if family == bittorrent.IPv4 {
		collect(e.SeedsV4)
		if len(peers) < requested {
			collect(e.PeersV4)
		}
	} else {
		collect(e.SeedsV6)
		if len(peers) < requested {
			collect(e.PeersV6)
		}
	}

	return seeders, leechers, peers, nil
}

func (ps *peerStore) BulkScrape(ihs []bittorrent.InfoHash) []bittorrent.TorrentStats {
	out := make([]bittorrent.TorrentStats, len(ihs))
	for i, ih := range ihs {
		out[i].InfoHash = ih
		s := ps.shardFor(ih)
		s.mu.RLock()
		if e, ok := s.torrents[ih]; ok {
			out[i].Complete = int32(e.Seeders())
			out[i].Incomplete = int32(e.Leechers())
			out[i].Downloaded = int64(e.Completed)
		}
		s.mu.RUnlock()
	}
	return out
}

func (ps *peerStore) DeleteTorrent(ih bittorrent.InfoHash) bool {
	s := ps.shardFor(ih)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.torrents[ih]; !ok {
		return false
	}
	delete(s.torrents, ih)
	return true
}

func (ps *peerStore) ResetSeedsPeers(ih bittorrent.InfoHash) bool {
	s := ps.shardFor(ih)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[ih]
	if !ok {
		return false
	}
	e.SeedsV4 = make(map[bittorrent.PeerID]bittorrent.Peer)
	e.SeedsV6 = make(map[bittorrent.PeerID]bittorrent.Peer)
	e.PeersV4 = make(map[bittorrent.PeerID]bittorrent.Peer)
	e.PeersV6 = make(map[bittorrent.PeerID]bittorrent.Peer)
	return true
}

// CollectGarbage removes any peer whose last announce (bittorrent.Peer.Updated)
// is older than cutoff, deleting torrents left empty unless insertVacant is
// true. Each shard is swept under its own write lock so a sweep cannot race
// a concurrent announce into resurrecting a peer this pass is about to
// evict (§4.9).
func (ps *peerStore) CollectGarbage(cutoff time.Time, insertVacant bool) (peersRemoved, torrentsRemoved int) {
	for _, s := range ps.shards {
		s.mu.Lock()
		for ih, e := range s.torrents {
			for _, m := range []map[bittorrent.PeerID]bittorrent.Peer{e.SeedsV4, e.SeedsV6, e.PeersV4, e.PeersV6} {
				for id, p := range m {
					if p.Updated.Before(cutoff) {
						delete(m, id)
						peersRemoved++
					}
				}
			}
			if e.Empty() && !insertVacant {
				delete(s.torrents, ih)
				torrentsRemoved++
			}
		}
		s.mu.Unlock()
	}
	return peersRemoved, torrentsRemoved
}

func (ps *peerStore) NumTorrents() int {
	n := 0
	for _, s := range ps.shards {
		s.mu.RLock()
		n += len(s.torrents)
		s.mu.RUnlock()
	}
	return n
}

func (ps *peerStore) Snapshot(fn func(bittorrent.InfoHash, uint64)) {
	for _, s := range ps.shards {
		s.mu.RLock()
		for ih, e := range s.torrents {
			fn(ih, e.Completed)
		}
		s.mu.RUnlock()
	}
}

func (ps *peerStore) LoadTorrent(ih bittorrent.InfoHash, completed uint64) {
	s := ps.shardFor(ih)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[ih]
	if !ok {
		e = newEntry()
		s.torrents[ih] = e
	}
	e.Completed = completed
}
