package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chihayatrack/chihayad/bittorrent"
)

func mustInfoHash(t *testing.T, s string) bittorrent.InfoHash {
	t.Helper()
	var b [20]byte
	copy(b[:], s)
	ih, err := bittorrent.InfoHashFromBytes(b[:])
	require.NoError(t, err)
	return ih
}

func mustPeerID(t *testing.T, s string) bittorrent.PeerID {
	t.Helper()
	var b [20]byte
	copy(b[:], s)
	id, err := bittorrent.PeerIDFromBytes(b[:])
	require.NoError(t, err)
	return id
}

func TestUpsertPeerPlacement(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "aaaaaaaaaaaaaaaaaaaa")
	peer := bittorrent.Peer{
		ID:      mustPeerID(t, "peer1-peer1-peer1-01"),
		IP:      bittorrent.NewIP([]byte{127, 0, 0, 1}),
		Port:    6881,
		Updated: time.Now(),
	}

	result, err := ps.UpsertPeer(ih, peer, false, true, false)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.MovedFromPeerToSeed)

	e, ok := ps.Get(ih)
	require.True(t, ok)
	assert.Equal(t, 1, e.Leechers())
	assert.Equal(t, 0, e.Seeders())

	result, err = ps.UpsertPeer(ih, peer, true, true, true)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.True(t, result.MovedFromPeerToSeed)

	e, ok = ps.Get(ih)
	require.True(t, ok)
	assert.Equal(t, 0, e.Leechers())
	assert.Equal(t, 1, e.Seeders())
	assert.EqualValues(t, 1, e.Completed, "completion counted under the same lock as the placement move")
}

func TestUpsertPeerCompletionNotCountedWithoutCompletedEvent(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "gggggggggggggggggggg")
	peer := bittorrent.Peer{ID: mustPeerID(t, "peer9-peer9-peer9-09"), IP: bittorrent.NewIP([]byte{10, 0, 0, 9}), Port: 1, Updated: time.Now()}

	_, err := ps.UpsertPeer(ih, peer, false, true, false)
	require.NoError(t, err)

	result, err := ps.UpsertPeer(ih, peer, true, true, false)
	require.NoError(t, err)
	assert.True(t, result.MovedFromPeerToSeed)

	e, ok := ps.Get(ih)
	require.True(t, ok)
	assert.Zero(t, e.Completed, "no completion without countCompletion even on a leecher-to-seed move")
}

func TestRemovePeerDeletesEmptyTorrent(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "bbbbbbbbbbbbbbbbbbbb")
	peer := bittorrent.Peer{ID: mustPeerID(t, "peer2-peer2-peer2-02"), IP: bittorrent.NewIP([]byte{10, 0, 0, 1}), Port: 1, Updated: time.Now()}

	_, err := ps.UpsertPeer(ih, peer, true, true, false)
	require.NoError(t, err)

	err = ps.RemovePeer(ih, peer.ID, false)
	require.NoError(t, err)

	_, ok := ps.Get(ih)
	assert.False(t, ok)
}

func TestRemovePeerKeepsVacantTorrentWhenInsertVacant(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "cccccccccccccccccccc")
	peer := bittorrent.Peer{ID: mustPeerID(t, "peer3-peer3-peer3-03"), IP: bittorrent.NewIP([]byte{10, 0, 0, 2}), Port: 1, Updated: time.Now()}

	_, err := ps.UpsertPeer(ih, peer, true, true, false)
	require.NoError(t, err)

	err = ps.RemovePeer(ih, peer.ID, true)
	require.NoError(t, err)

	e, ok := ps.Get(ih)
	require.True(t, ok)
	assert.True(t, e.Empty())
}

func TestSamplePeersExcludesSelfAndPrefersFamily(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "dddddddddddddddddddd")

	self := bittorrent.Peer{ID: mustPeerID(t, "self0-self0-self0-00"), IP: bittorrent.NewIP([]byte{10, 0, 0, 3}), Port: 1, Updated: time.Now()}
	other := bittorrent.Peer{ID: mustPeerID(t, "othr1-othr1-othr1-01"), IP: bittorrent.NewIP([]byte{10, 0, 0, 4}), Port: 2, Updated: time.Now()}

	_, err := ps.UpsertPeer(ih, self, true, true, false)
	require.NoError(t, err)
	_, err = ps.UpsertPeer(ih, other, true, true, false)
	require.NoError(t, err)

	seeders, leechers, peers, err := ps.SamplePeers(ih, 50, bittorrent.IPv4, self.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, seeders)
	assert.Equal(t, 0, leechers)
	require.Len(t, peers, 1)
	assert.Equal(t, other.ID, peers[0].ID)
}

func TestCollectGarbageRemovesStalePeers(t *testing.T) {
	ps := New()
	ih := mustInfoHash(t, "eeeeeeeeeeeeeeeeeeee")
	stale := bittorrent.Peer{ID: mustPeerID(t, "stale-stale-stale-01"), IP: bittorrent.NewIP([]byte{10, 0, 0, 5}), Port: 1, Updated: time.Now().Add(-time.Hour)}

	_, err := ps.UpsertPeer(ih, stale, true, true, false)
	require.NoError(t, err)

	peersRemoved, torrentsRemoved := ps.CollectGarbage(time.Now().Add(-time.Minute), false)
	assert.Equal(t, 1, peersRemoved)
	assert.Equal(t, 1, torrentsRemoved)

	_, ok := ps.Get(ih)
	assert.False(t, ok)
}

func TestBulkScrapeMissingInfoHashIsZero(t *testing.T) {
	ps := New()
	unknown := mustInfoHash(t, "ffffffffffffffffffff")
	stats := ps.BulkScrape([]bittorrent.InfoHash{unknown})
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].Complete)
	assert.Zero(t, stats[0].Incomplete)
}
