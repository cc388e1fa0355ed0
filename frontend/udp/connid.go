package udp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"
)

// connIDBucketWindow is the width of a connection ID's validity bucket
// (§4.4): the bucket number is floor(now/connIDBucketWindow), and a
// connection ID is valid while its generating bucket is still within one
// window of the current bucket, giving each ID a 2-4 minute effective life.
const connIDBucketWindow = 120 * time.Second

// ConnectionIDGenerator mints and validates the 8-byte connection IDs used
// by the UDP tracker protocol (BEP 15): the high 32 bits carry the
// generating bucket's timestamp, the low 32 bits an HMAC-SHA256 truncation
// over the client's IP and that bucket, keyed by a server secret. This
// avoids having to store any per-connection state.
type ConnectionIDGenerator struct {
	secret []byte
}

// NewConnectionIDGenerator constructs a generator keyed by secret. Every
// tracker front-end instance must share the same secret for connection IDs
// it mints to validate across restarts within one process; a fresh secret
// at boot simply invalidates IDs minted before the restart.
func NewConnectionIDGenerator(secret []byte) *ConnectionIDGenerator {
	return &ConnectionIDGenerator{secret: secret}
}

func bucketOf(t time.Time) uint32 {
	return uint32(t.Unix() / int64(connIDBucketWindow/time.Second))
}

func (g *ConnectionIDGenerator) mac(ip net.IP, bucket uint32) uint32 {
	h := hmac.New(sha256.New, g.secret)
	h.Write(ip.To16())
	var bb [4]byte
	binary.BigEndian.PutUint32(bb[:], bucket)
	h.Write(bb[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// Generate mints a fresh connection ID for ip as of now.
func (g *ConnectionIDGenerator) Generate(ip net.IP, now time.Time) uint64 {
	bucket := bucketOf(now)
	return uint64(bucket)<<32 | uint64(g.mac(ip, bucket))
}

// Validate reports whether connID was minted for ip within maxClockSkew
// (counted in whole buckets) of now's bucket: an id generated at bucket B is
// accepted through bucket B+skewBuckets and rejected from bucket
// B+skewBuckets+1 onward. With the default 2-minute skew that is the issuing
// bucket plus the next one, 2-4 minutes in all.
func (g *ConnectionIDGenerator) Validate(connID uint64, ip net.IP, now time.Time, maxClockSkew time.Duration) bool {
	bucket := uint32(connID >> 32)
	mac := uint32(connID)

	currentBucket := bucketOf(now)
	skewBuckets := uint32(maxClockSkew / connIDBucketWindow)

	if bucket > currentBucket+skewBuckets {
		return false
	}
	if currentBucket-bucket > skewBuckets {
		return false
	}

	return hmac.Equal(
		[]byte{byte(mac >> 24), byte(mac >> 16), byte(mac >> 8), byte(mac)},
		[]byte{byte(g.mac(ip, bucket) >> 24), byte(g.mac(ip, bucket) >> 16), byte(g.mac(ip, bucket) >> 8), byte(g.mac(ip, bucket))},
	)
}
