package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/storage/memory"
	"github.com/chihayatrack/chihayad/storage/overlay"
)

func testInfoHash() bittorrent.InfoHash {
	var b [20]byte
	copy(b[:], "infohash-for-testing")
	ih, _ := bittorrent.InfoHashFromBytes(b[:])
	return ih
}

func testPeerID(suffix byte) bittorrent.PeerID {
	var b [20]byte
	copy(b[:], "test-peer-id-0000000")
	b[19] = suffix
	id, _ := bittorrent.PeerIDFromBytes(b[:])
	return id
}

func newTestTracker() *Tracker {
	cfg := DefaultConfig()
	return New(cfg, memory.New(), overlay.NewHashSet(), overlay.NewHashSet(), overlay.NewKeyStore(), overlay.NewUserStore(), nil)
}

func TestAnnounceCountsCompletionOnlyOnLeecherToSeedTransition(t *testing.T) {
	tkr := newTestTracker()
	ih := testInfoHash()
	pid := testPeerID(1)

	// First announce as a leecher (left > 0): no completion.
	_, err := tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: pid, IP: bittorrent.NewIP([]byte{1, 2, 3, 4}), Port: 1},
		Left:     100,
		Event:    bittorrent.Started,
	})
	require.NoError(t, err)

	e, ok := tkr.Peers.Get(ih)
	require.True(t, ok)
	assert.EqualValues(t, 0, e.Completed)

	// Re-announce with left=0 and event=completed: counts once.
	_, err = tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: pid, IP: bittorrent.NewIP([]byte{1, 2, 3, 4}), Port: 1},
		Left:     0,
		Event:    bittorrent.Completed,
	})
	require.NoError(t, err)

	e, ok = tkr.Peers.Get(ih)
	require.True(t, ok)
	assert.EqualValues(t, 1, e.Completed)

	// A plain re-announce with left=0 but no event never double-counts.
	_, err = tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: pid, IP: bittorrent.NewIP([]byte{1, 2, 3, 4}), Port: 1},
		Left:     0,
	})
	require.NoError(t, err)

	e, ok = tkr.Peers.Get(ih)
	require.True(t, ok)
	assert.EqualValues(t, 1, e.Completed)
}

func TestAnnounceStoppedRemovesPeer(t *testing.T) {
	tkr := newTestTracker()
	ih := testInfoHash()
	pid := testPeerID(2)

	_, err := tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: pid, IP: bittorrent.NewIP([]byte{1, 2, 3, 5}), Port: 2},
		Left:     10,
		Event:    bittorrent.Started,
	})
	require.NoError(t, err)

	_, err = tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: pid, IP: bittorrent.NewIP([]byte{1, 2, 3, 5}), Port: 2},
		Left:     10,
		Event:    bittorrent.Stopped,
	})
	require.NoError(t, err)

	e, ok := tkr.Peers.Get(ih)
	require.True(t, ok)
	assert.Equal(t, 0, e.Leechers())
}

func TestWhitelistBlocksUnknownTorrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WhitelistEnabled = true
	whitelist := overlay.NewHashSet()
	tkr := New(cfg, memory.New(), whitelist, overlay.NewHashSet(), overlay.NewKeyStore(), overlay.NewUserStore(), nil)

	ih := testInfoHash()
	_, err := tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: testPeerID(3), IP: bittorrent.NewIP([]byte{1, 1, 1, 1}), Port: 1},
		Left:     1,
	})
	assert.Equal(t, bittorrent.ErrNotWhitelisted, err)

	whitelist.Insert(ih)
	_, err = tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: testPeerID(3), IP: bittorrent.NewIP([]byte{1, 1, 1, 1}), Port: 1},
		Left:     1,
	})
	assert.NoError(t, err)
}

func TestBlacklistTakesPrecedenceOverAbsentWhitelist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlacklistEnabled = true
	blacklist := overlay.NewHashSet()
	tkr := New(cfg, memory.New(), overlay.NewHashSet(), blacklist, overlay.NewKeyStore(), overlay.NewUserStore(), nil)

	ih := testInfoHash()
	blacklist.Insert(ih)

	_, err := tkr.HandleAnnounce(&bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: testPeerID(4), IP: bittorrent.NewIP([]byte{1, 1, 1, 2}), Port: 1},
		Left:     1,
	})
	assert.Equal(t, bittorrent.ErrBlacklisted, err)
}

func TestPrivateTrackerRejectsUnknownUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrivateEnabled = true
	tkr := New(cfg, memory.New(), overlay.NewHashSet(), overlay.NewHashSet(), overlay.NewKeyStore(), overlay.NewUserStore(), nil)

	_, err := tkr.HandleScrape(&bittorrent.ScrapeRequest{
		InfoHashes: []bittorrent.InfoHash{testInfoHash()},
		Passkey:    "nope",
	})
	assert.Equal(t, bittorrent.ErrUnknownUser, err)
}

func TestScrapeFiltersDisallowedHashesInsteadOfFailing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WhitelistEnabled = true
	whitelist := overlay.NewHashSet()
	tkr := New(cfg, memory.New(), whitelist, overlay.NewHashSet(), overlay.NewKeyStore(), overlay.NewUserStore(), nil)

	allowedIH := testInfoHash()
	whitelist.Insert(allowedIH)

	var disallowedBytes [20]byte
	copy(disallowedBytes[:], "disallowed-info-hash")
	disallowedIH, err := bittorrent.InfoHashFromBytes(disallowedBytes[:])
	require.NoError(t, err)

	resp, err := tkr.HandleScrape(&bittorrent.ScrapeRequest{InfoHashes: []bittorrent.InfoHash{allowedIH, disallowedIH}})
	require.NoError(t, err)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, allowedIH, resp.Files[0].InfoHash)
	assert.Equal(t, disallowedIH, resp.Files[1].InfoHash)
	assert.Zero(t, resp.Files[1].Complete)
	assert.Zero(t, resp.Files[1].Incomplete)
}

func TestKeysEnabledRejectsUnknownOrExpiredKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeysEnabled = true
	keys := overlay.NewKeyStore()
	tkr := New(cfg, memory.New(), overlay.NewHashSet(), overlay.NewHashSet(), keys, overlay.NewUserStore(), nil)

	ih := testInfoHash()
	base := &bittorrent.AnnounceRequest{
		InfoHash: ih,
		Peer:     bittorrent.Peer{ID: testPeerID(5), IP: bittorrent.NewIP([]byte{1, 1, 1, 3}), Port: 1},
		Left:     1,
		Passkey:  "not-forty-hex-characters",
	}
	_, err := tkr.HandleAnnounce(base)
	assert.Equal(t, bittorrent.ErrUnauthorizedKey, err)

	validHex := "000000000000000000000000000000000000000a"
	kh, err := overlay.KeyHashFromString(validHex)
	require.NoError(t, err)

	base.Passkey = validHex
	_, err = tkr.HandleAnnounce(base)
	assert.Equal(t, bittorrent.ErrUnauthorizedKey, err, "key not yet inserted")

	keys.Insert(kh, time.Now().Add(-time.Minute).Unix())
	_, err = tkr.HandleAnnounce(base)
	assert.Equal(t, bittorrent.ErrUnauthorizedKey, err, "expired key")

	keys.Insert(kh, 0)
	_, err = tkr.HandleAnnounce(base)
	assert.NoError(t, err)
}

func TestStartWorkersStopsCleanly(t *testing.T) {
	tkr := newTestTracker()
	stop := tkr.StartWorkers(WorkerConfig{
		GCInterval:        time.Millisecond,
		PeerLifetime:      time.Hour,
		KeyExpiryInterval: time.Millisecond,
		StatsLogInterval:  time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)
	stop()
}
