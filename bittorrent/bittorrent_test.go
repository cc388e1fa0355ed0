package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoHashFromStringRoundTrip(t *testing.T) {
	const hex40 = "0102030405060708090a0b0c0d0e0f1011121314"
	ih, err := InfoHashFromString(hex40)
	require.NoError(t, err)
	assert.Equal(t, hex40, ih.String())
	assert.EqualValues(t, 0x01, ih.ShardIndex())
}

func TestInfoHashFromStringRejectsWrongLength(t *testing.T) {
	_, err := InfoHashFromString("deadbeef")
	assert.Equal(t, ErrInvalidInfoHash, err)
}

func TestInfoHashFromBytesRejectsWrongLength(t *testing.T) {
	_, err := InfoHashFromBytes([]byte("too short"))
	assert.Equal(t, ErrInvalidInfoHash, err)
}

func TestPeerIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := PeerIDFromBytes([]byte("short"))
	assert.Equal(t, ErrInvalidPeerID, err)
}

func TestNewIPClassifiesFamily(t *testing.T) {
	v4 := NewIP(net.ParseIP("192.168.1.1"))
	assert.Equal(t, IPv4, v4.AddressFamily)

	v6 := NewIP(net.ParseIP("2001:db8::1"))
	assert.Equal(t, IPv6, v6.AddressFamily)
}

func TestPeerCompactEncodings(t *testing.T) {
	p := Peer{IP: NewIP(net.ParseIP("10.0.0.1")), Port: 0x1a2b}
	compact := p.CompactIPv4()
	assert.Equal(t, [6]byte{10, 0, 0, 1, 0x1a, 0x2b}, compact)

	p6 := Peer{IP: NewIP(net.ParseIP("::1")), Port: 0x0102}
	compact6 := p6.CompactIPv6()
	assert.Len(t, compact6, 18)
	assert.Equal(t, byte(0x01), compact6[16])
	assert.Equal(t, byte(0x02), compact6[17])
}

func TestEventFromString(t *testing.T) {
	cases := map[string]Event{
		"":          None,
		"none":      None,
		"started":   Started,
		"stopped":   Stopped,
		"completed": Completed,
	}
	for in, want := range cases {
		got, err := EventFromString(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := EventFromString("bogus")
	assert.Equal(t, ErrInvalidEvent, err)
}

func TestAnnounceRequestSanitizeClampsNumWant(t *testing.T) {
	r := &AnnounceRequest{Peer: Peer{Port: 6881}}
	require.NoError(t, r.Sanitize(50, 30))
	assert.EqualValues(t, 30, r.NumWant, "unset numwant falls back to default")

	r2 := &AnnounceRequest{Peer: Peer{Port: 6881}, NumWant: 1000, NumWantSet: true}
	require.NoError(t, r2.Sanitize(50, 30))
	assert.EqualValues(t, 50, r2.NumWant, "numwant is clamped to the configured max")

	r3 := &AnnounceRequest{Peer: Peer{Port: 0}}
	assert.Equal(t, ErrInvalidPort, r3.Sanitize(50, 30))
}

func TestAnnounceRequestIsSeeder(t *testing.T) {
	r := &AnnounceRequest{Left: 0}
	assert.True(t, r.IsSeeder())
	r.Left = 1
	assert.False(t, r.IsSeeder())
}

func TestSanitizeScrapeEnforcesLimits(t *testing.T) {
	empty := &ScrapeRequest{}
	assert.Error(t, SanitizeScrape(empty, 10))

	ih, _ := InfoHashFromString("0102030405060708090a0b0c0d0e0f1011121314")
	tooMany := &ScrapeRequest{InfoHashes: []InfoHash{ih, ih, ih}}
	assert.Equal(t, ErrScrapeTooLarge, SanitizeScrape(tooMany, 2))

	ok := &ScrapeRequest{InfoHashes: []InfoHash{ih}}
	assert.NoError(t, SanitizeScrape(ok, 2))
}

func TestIsPublicError(t *testing.T) {
	assert.True(t, IsPublicError(ErrInvalidInfoHash))
	assert.True(t, IsPublicError(ErrTorrentDNE))
	assert.False(t, IsPublicError(assertInternalError{}))
}

type assertInternalError struct{}

func (assertInternalError) Error() string { return "boom" }
