package udp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionIDValidateAcceptsWithinSkewWindow(t *testing.T) {
	g := NewConnectionIDGenerator([]byte("test-secret"))
	ip := net.ParseIP("203.0.113.1")
	genTime := time.Unix(1_700_000_000, 0).Truncate(connIDBucketWindow)

	id := g.Generate(ip, genTime)

	skew := connIDBucketWindow // 120s = one bucket of skew: diff 0 and 1 accepted, diff >= 2 rejected
	assert.True(t, g.Validate(id, ip, genTime, skew), "same bucket is always valid")
	assert.True(t, g.Validate(id, ip, genTime.Add(connIDBucketWindow), skew), "one bucket later is within the window")
	assert.False(t, g.Validate(id, ip, genTime.Add(2*connIDBucketWindow), skew), "two buckets later is outside the window")
	assert.False(t, g.Validate(id, ip, genTime.Add(3*connIDBucketWindow), skew))
}

func TestConnectionIDValidateRejectsWrongIP(t *testing.T) {
	g := NewConnectionIDGenerator([]byte("test-secret"))
	now := time.Now()
	id := g.Generate(net.ParseIP("203.0.113.1"), now)
	assert.False(t, g.Validate(id, net.ParseIP("203.0.113.2"), now, 2*connIDBucketWindow))
}

func TestConnectionIDValidateRejectsFutureBucket(t *testing.T) {
	g := NewConnectionIDGenerator([]byte("test-secret"))
	ip := net.ParseIP("203.0.113.1")
	now := time.Unix(1_700_000_000, 0).Truncate(connIDBucketWindow)

	id := g.Generate(ip, now.Add(10*connIDBucketWindow))
	assert.False(t, g.Validate(id, ip, now, 2*connIDBucketWindow))
}
