// Package overlay implements the access-control overlays that gate
// announce and scrape requests: whitelist, blacklist, private keys with
// expiry, and user accounts with upload/download accounting.
//
// Each overlay is sharded the same way as storage/memory's peer store (256
// shards keyed on the first byte of the entry's key) so that sweeps and API
// mutations do not contend with the hot announce path any more than
// necessary.
package overlay

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/chihayatrack/chihayad/bittorrent"
)

const shardCount = 256

// HashSet is a sharded set of 20-byte keys (infohashes), used for the
// whitelist and blacklist.
type HashSet struct {
	shards [shardCount]struct {
		mu   sync.RWMutex
		keys map[bittorrent.InfoHash]struct{}
	}
}

// NewHashSet constructs an empty HashSet.
func NewHashSet() *HashSet {
	hs := &HashSet{}
	for i := range hs.shards {
		hs.shards[i].keys = make(map[bittorrent.InfoHash]struct{})
	}
	return hs
}

func (hs *HashSet) Contains(ih bittorrent.InfoHash) bool {
	s := &hs.shards[ih.ShardIndex()]
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[ih]
	return ok
}

func (hs *HashSet) Insert(ih bittorrent.InfoHash) {
	s := &hs.shards[ih.ShardIndex()]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ih] = struct{}{}
}

func (hs *HashSet) Remove(ih bittorrent.InfoHash) {
	s := &hs.shards[ih.ShardIndex()]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, ih)
}

func (hs *HashSet) Len() int {
	n := 0
	for i := range hs.shards {
		hs.shards[i].mu.RLock()
		n += len(hs.shards[i].keys)
		hs.shards[i].mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of every key currently held, for persistence.
func (hs *HashSet) Snapshot() []bittorrent.InfoHash {
	out := make([]bittorrent.InfoHash, 0, hs.Len())
	for i := range hs.shards {
		hs.shards[i].mu.RLock()
		for k := range hs.shards[i].keys {
			out = append(out, k)
		}
		hs.shards[i].mu.RUnlock()
	}
	return out
}

// KeyHash is the 20-byte hash of a 40-hex-character access key.
type KeyHash [20]byte

// KeyHashFromString decodes the 40-hex-character key a client presents in
// the announce/scrape URL (§4.3). The key is carried as its own hash, so no
// separate hashing step happens here.
func KeyHashFromString(s string) (KeyHash, error) {
	var kh KeyHash
	if len(s) != 40 {
		return kh, fmt.Errorf("overlay: key must be 40 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return kh, err
	}
	copy(kh[:], b)
	return kh, nil
}

// KeyStore is the sharded keys overlay: key hash -> absolute expiry (0 means
// permanent).
type KeyStore struct {
	shards [shardCount]struct {
		mu      sync.RWMutex
		expires map[KeyHash]int64
	}
}

func NewKeyStore() *KeyStore {
	ks := &KeyStore{}
	for i := range ks.shards {
		ks.shards[i].expires = make(map[KeyHash]int64)
	}
	return ks
}

func shardIndex(k KeyHash) byte { return k[0] }

// Valid reports whether key is present and unexpired as of now.
func (ks *KeyStore) Valid(key KeyHash, now time.Time) bool {
	s := &ks.shards[shardIndex(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expires[key]
	if !ok {
		return false
	}
	return exp == 0 || exp > now.Unix()
}

func (ks *KeyStore) Insert(key KeyHash, expiresAt int64) {
	s := &ks.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = expiresAt
}

func (ks *KeyStore) Remove(key KeyHash) {
	s := &ks.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
}

func (ks *KeyStore) Len() int {
	n := 0
	for i := range ks.shards {
		ks.shards[i].mu.RLock()
		n += len(ks.shards[i].expires)
		ks.shards[i].mu.RUnlock()
	}
	return n
}

// ExpireBefore removes every key whose expiry is non-zero and before now,
// returning the removed keys for the persistence shadow set (§4.8/§4.9).
func (ks *KeyStore) ExpireBefore(now time.Time) []KeyHash {
	var expired []KeyHash
	cutoff := now.Unix()
	for i := range ks.shards {
		ks.shards[i].mu.Lock()
		for k, exp := range ks.shards[i].expires {
			if exp != 0 && exp < cutoff {
				delete(ks.shards[i].expires, k)
				expired = append(expired, k)
			}
		}
		ks.shards[i].mu.Unlock()
	}
	return expired
}

// Snapshot returns every (key, expiry) pair currently held.
func (ks *KeyStore) Snapshot() map[KeyHash]int64 {
	out := make(map[KeyHash]int64, ks.Len())
	for i := range ks.shards {
		ks.shards[i].mu.RLock()
		for k, exp := range ks.shards[i].expires {
			out[k] = exp
		}
		ks.shards[i].mu.RUnlock()
	}
	return out
}

// User is a registered user for the users overlay: identified by UUID,
// keyed for lookup by its access key, and accumulating byte deltas between
// flushes.
type User struct {
	ID         string
	Key        string
	Uploaded   uint64
	Downloaded uint64
	Completed  uint64
	Updated    time.Time
	Active     bool
}

// UserStore is the sharded users overlay, keyed by access key.
type UserStore struct {
	shards [shardCount]struct {
		mu    sync.RWMutex
		users map[string]*User
	}
}

func NewUserStore() *UserStore {
	us := &UserStore{}
	for i := range us.shards {
		us.shards[i].users = make(map[string]*User)
	}
	return us
}

func userShardIndex(key string) byte {
	if len(key) == 0 {
		return 0
	}
	return key[0]
}

func (us *UserStore) Get(key string) (*User, bool) {
	s := &us.shards[userShardIndex(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[key]
	return u, ok
}

func (us *UserStore) Put(u *User) {
	s := &us.shards[userShardIndex(u.Key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Key] = u
}

func (us *UserStore) Remove(key string) {
	s := &us.shards[userShardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, key)
}

// AccumulateDelta adds uploaded/downloaded deltas into the user's in-memory
// counters under the shard lock. The counters are running totals: the
// persistence flush writes them as they are and does not subtract or reset
// them.
func (us *UserStore) AccumulateDelta(key string, uploaded, downloaded uint64, completed bool) bool {
	s := &us.shards[userShardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[key]
	if !ok {
		return false
	}
	u.Uploaded += uploaded
	u.Downloaded += downloaded
	if completed {
		u.Completed++
	}
	u.Updated = time.Now()
	return true
}

func (us *UserStore) Len() int {
	n := 0
	for i := range us.shards {
		us.shards[i].mu.RLock()
		n += len(us.shards[i].users)
		us.shards[i].mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of every user row currently held.
func (us *UserStore) Snapshot() []User {
	out := make([]User, 0, us.Len())
	for i := range us.shards {
		us.shards[i].mu.RLock()
		for _, u := range us.shards[i].users {
			out = append(out, *u)
		}
		us.shards[i].mu.RUnlock()
	}
	return out
}
