package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chihayatrack/chihayad/config"
)

func newTestStats() *Stats {
	return New(config.StatsConfig{BufferSize: 8})
}

func TestRecordEventUpdatesProtocolCounters(t *testing.T) {
	s := newTestStats()
	defer s.Close()

	s.RecordEvent(TCP4Connection)
	s.RecordEvent(TCP4Announce)
	s.RecordEvent(UDP6Scrape)
	s.RecordEvent(Completed)

	require.Eventually(t, func() bool {
		return s.TCP4.Connections == 1 && s.TCP4.Announces == 1 && s.UDP6.Scrapes == 1 && s.Completed == 1
	}, time.Second, time.Millisecond, "events should be drained by handleEvents")

	assert.Zero(t, s.TCP6.Connections)
	assert.Zero(t, s.UDP4.Announces)
}

func TestRecordTimingDoesNotBlock(t *testing.T) {
	s := newTestStats()
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.RecordTiming(ResponseTime, 50*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordTiming should not block on a buffered stats instance")
	}
}

func TestSetTorrentsSizeIsGaugeNotEvent(t *testing.T) {
	s := newTestStats()
	defer s.Close()

	s.SetTorrentsSize(42)
	assert.EqualValues(t, 42, s.TorrentsSize)
}

func TestMemStatsWrapperUpdatePopulatesBaseFields(t *testing.T) {
	w := NewMemStatsWrapper(false)
	assert.NotZero(t, w.Sys)
	assert.Nil(t, w.HeapAlloc, "non-verbose wrapper should not populate heap/goroutine detail")

	verbose := NewMemStatsWrapper(true)
	require.NotNil(t, verbose.HeapAlloc)
	require.NotNil(t, verbose.NumGoroutine)
	assert.True(t, *verbose.NumGoroutine > 0)
}
