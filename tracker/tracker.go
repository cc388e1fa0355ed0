// Package tracker implements the core announce/scrape engine (§4.5): it
// enforces the access-control overlays in their fixed precedence, talks to
// the sharded peer store, counts completions, and notifies the persistence
// pipeline of everything that needs to be flushed downstream.
package tracker

import (
	"time"

	"github.com/golang/glog"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/stats"
	"github.com/chihayatrack/chihayad/storage"
	"github.com/chihayatrack/chihayad/storage/overlay"
)

// DirtyTracker receives notifications of state changes that the
// persistence pipeline (§4.8) needs to eventually write through to the
// backing relational store. Implementations must be safe for concurrent
// use; the memory storage.PeerStore itself holds no such hooks, so the
// engine drives them explicitly on every mutating operation.
type DirtyTracker interface {
	MarkTorrentDirty(ih bittorrent.InfoHash)
	MarkTorrentDeleted(ih bittorrent.InfoHash)
	MarkUserDirty(passkey string)
}

// noopDirtyTracker discards every notification; used when persistence is
// disabled.
type noopDirtyTracker struct{}

func (noopDirtyTracker) MarkTorrentDirty(bittorrent.InfoHash)  {}
func (noopDirtyTracker) MarkTorrentDeleted(bittorrent.InfoHash) {}
func (noopDirtyTracker) MarkUserDirty(string)                   {}

// Tracker is the engine shared by every protocol front-end.
type Tracker struct {
	Config

	Peers      storage.PeerStore
	Whitelist  *overlay.HashSet
	Blacklist  *overlay.HashSet
	Keys       *overlay.KeyStore
	Users      *overlay.UserStore
	Dirty      DirtyTracker
}

// New constructs a Tracker over an already-initialized peer store and
// overlay set. Any of the overlay pointers may be nil when the
// corresponding Config flag is false.
func New(cfg Config, peers storage.PeerStore, whitelist *overlay.HashSet, blacklist *overlay.HashSet, keys *overlay.KeyStore, users *overlay.UserStore, dirty DirtyTracker) *Tracker {
	if dirty == nil {
		dirty = noopDirtyTracker{}
	}
	return &Tracker{
		Config:    cfg,
		Peers:     peers,
		Whitelist: whitelist,
		Blacklist: blacklist,
		Keys:      keys,
		Users:     users,
		Dirty:     dirty,
	}
}

// checkAccess enforces the overlay precedence from the system design: keys,
// then whitelist, then blacklist, then (if private) a known user. Any
// overlay whose Config flag is false is skipped entirely.
func (t *Tracker) checkAccess(req *bittorrent.AnnounceRequest) error {
	if t.KeysEnabled && t.Keys != nil {
		kh, err := overlay.KeyHashFromString(req.Passkey)
		if err != nil || !t.Keys.Valid(kh, time.Now()) {
			return bittorrent.ErrUnauthorizedKey
		}
	}
	if t.WhitelistEnabled && t.Whitelist != nil {
		if !t.Whitelist.Contains(req.InfoHash) {
			return bittorrent.ErrNotWhitelisted
		}
	}
	if t.BlacklistEnabled && t.Blacklist != nil {
		if t.Blacklist.Contains(req.InfoHash) {
			return bittorrent.ErrBlacklisted
		}
	}
	if t.PrivateEnabled && t.Users != nil {
		if _, ok := t.Users.Get(req.Passkey); !ok {
			return bittorrent.ErrUnknownUser
		}
	}
	return nil
}

// HandleAnnounce runs one announce through sanitation, access control,
// swarm placement and peer sampling, returning the response the front-end
// should serialize.
func (t *Tracker) HandleAnnounce(req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	if err := req.Sanitize(t.MaxNumWant, t.DefaultNumWant); err != nil {
		return nil, err
	}
	if err := t.checkAccess(req); err != nil {
		return nil, err
	}

	req.Peer.Updated = time.Now()
	isSeeder := req.IsSeeder()

	switch req.Event {
	case bittorrent.Stopped:
		if err := t.Peers.RemovePeer(req.InfoHash, req.Peer.ID, true); err != nil && err != storage.ErrResourceDoesNotExist {
			return nil, err
		}
		t.Dirty.MarkTorrentDirty(req.InfoHash)

	default:
		// A completion is only counted on an explicit "completed" event
		// fired by a peer that was previously a leecher transitioning to a
		// seed — never merely because the peer now reports Left == 0
		// (§4.5, §9). The increment itself happens inside UpsertPeer, under
		// the same shard lock as the placement change, so the check and
		// the increment cannot race a concurrent announce or sweep.
		result, err := t.Peers.UpsertPeer(req.InfoHash, req.Peer, isSeeder, true, req.Event == bittorrent.Completed)
		if err != nil {
			return nil, err
		}
		if req.Event == bittorrent.Completed && result.MovedFromPeerToSeed {
			stats.RecordEvent(stats.Completed)
		}
		t.Dirty.MarkTorrentDirty(req.InfoHash)
	}

	if t.PrivateEnabled && t.Users != nil {
		t.Users.AccumulateDelta(req.Passkey, req.Uploaded, req.Downloaded, req.Event == bittorrent.Completed)
		t.Dirty.MarkUserDirty(req.Passkey)
	}

	numWant := int(req.NumWant)
	if req.Event == bittorrent.Stopped {
		numWant = 0
	}

	seeders, leechers, peers, err := t.Peers.SamplePeers(req.InfoHash, numWant, req.Peer.IP.AddressFamily, req.Peer.ID)
	if err != nil && err != storage.ErrResourceDoesNotExist {
		return nil, err
	}

	return &bittorrent.AnnounceResponse{
		Interval:    uint32(t.AnnounceInterval / time.Second),
		MinInterval: uint32(t.MinAnnounceInterval / time.Second),
		Complete:    int32(seeders),
		Incomplete:  int32(leechers),
		Peers:       peers,
	}, nil
}

// HandleScrape answers a scrape for one or more infohashes.
func (t *Tracker) HandleScrape(req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	if err := bittorrent.SanitizeScrape(req, t.MaxScrapeInfoHashes); err != nil {
		return nil, err
	}
	if t.KeysEnabled && t.Keys != nil {
		kh, err := overlay.KeyHashFromString(req.Passkey)
		if err != nil || !t.Keys.Valid(kh, time.Now()) {
			return nil, bittorrent.ErrUnauthorizedKey
		}
	}
	if t.PrivateEnabled && t.Users != nil {
		if _, ok := t.Users.Get(req.Passkey); !ok {
			return nil, bittorrent.ErrUnknownUser
		}
	}

	// Unlike announce, a disallowed infohash never fails the whole scrape
	// (§4.3): it is simply reported as all-zero alongside any allowed
	// hashes in the same request.
	allowed := make([]bittorrent.InfoHash, 0, len(req.InfoHashes))
	disallowed := make(map[bittorrent.InfoHash]bool)
	for _, ih := range req.InfoHashes {
		if t.WhitelistEnabled && t.Whitelist != nil && !t.Whitelist.Contains(ih) {
			disallowed[ih] = true
			continue
		}
		if t.BlacklistEnabled && t.Blacklist != nil && t.Blacklist.Contains(ih) {
			disallowed[ih] = true
			continue
		}
		allowed = append(allowed, ih)
	}

	stats := t.Peers.BulkScrape(allowed)
	files := make([]bittorrent.TorrentStats, 0, len(req.InfoHashes))
	i := 0
	for _, ih := range req.InfoHashes {
		if disallowed[ih] {
			files = append(files, bittorrent.TorrentStats{InfoHash: ih})
			continue
		}
		files = append(files, stats[i])
		i++
	}

	return &bittorrent.ScrapeResponse{Files: files}, nil
}

// PutTorrent adds ih to the whitelist, used by the management API (§4.13).
func (t *Tracker) PutTorrent(ih bittorrent.InfoHash) {
	if t.Whitelist != nil {
		t.Whitelist.Insert(ih)
	}
	t.Dirty.MarkTorrentDirty(ih)
}

// DeleteTorrent removes ih from the whitelist and drops its swarm outright.
func (t *Tracker) DeleteTorrent(ih bittorrent.InfoHash) {
	if t.Whitelist != nil {
		t.Whitelist.Remove(ih)
	}
	t.Peers.DeleteTorrent(ih)
	t.Dirty.MarkTorrentDeleted(ih)
}

// RegisterUser adds or replaces a user row, used by the management API.
func (t *Tracker) RegisterUser(u *overlay.User) {
	if t.Users != nil {
		t.Users.Put(u)
	}
	t.Dirty.MarkUserDirty(u.Key)
}

// DeleteUser removes a user by access key.
func (t *Tracker) DeleteUser(key string) {
	if t.Users != nil {
		t.Users.Remove(key)
	}
}

// Close logs final swarm counts; callers invoke this once all front-ends
// have stopped accepting new requests (§4.11).
func (t *Tracker) Close() {
	glog.Infof("tracker: closing with %d torrents tracked", t.Peers.NumTorrents())
}
