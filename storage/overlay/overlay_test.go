package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chihayatrack/chihayad/bittorrent"
)

func TestHashSetInsertRemove(t *testing.T) {
	hs := NewHashSet()
	ih, err := bittorrent.InfoHashFromString("0000000000000000000000000000000000000001")
	require.NoError(t, err)

	assert.False(t, hs.Contains(ih))
	hs.Insert(ih)
	assert.True(t, hs.Contains(ih))
	hs.Remove(ih)
	assert.False(t, hs.Contains(ih))
}

func TestKeyStoreExpiry(t *testing.T) {
	ks := NewKeyStore()
	var permanent, expiring KeyHash
	permanent[0] = 1
	expiring[0] = 2

	now := time.Now()
	ks.Insert(permanent, 0)
	ks.Insert(expiring, now.Add(-time.Minute).Unix())

	assert.True(t, ks.Valid(permanent, now))
	assert.False(t, ks.Valid(expiring, now))

	expired := ks.ExpireBefore(now)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring, expired[0])
	assert.Equal(t, 1, ks.Len())
}

func TestUserStoreAccumulateDelta(t *testing.T) {
	us := NewUserStore()
	us.Put(&User{ID: "u1", Key: "passkey1"})

	ok := us.AccumulateDelta("passkey1", 100, 50, true)
	require.True(t, ok)

	u, ok := us.Get("passkey1")
	require.True(t, ok)
	assert.EqualValues(t, 100, u.Uploaded)
	assert.EqualValues(t, 50, u.Downloaded)
	assert.EqualValues(t, 1, u.Completed)

	ok = us.AccumulateDelta("unknown", 1, 1, false)
	assert.False(t, ok)
}
