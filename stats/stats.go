// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package stats implements a means of tracking processing statistics for a
// BitTorrent tracker.
package stats

import (
	"time"

	"github.com/pushrax/faststats"
	"github.com/pushrax/flatjson"

	"github.com/chihayatrack/chihayad/config"
)

// Event identifiers recorded via RecordEvent. These line up with the
// counter set a tracker actually drives (§4.10): one connections/announces/
// scrapes triple per protocol/family, plus the completion counter and the
// ambient request-handling counters every front-end reports through.
const (
	TCP4Connection = iota
	TCP4Announce
	TCP4Scrape

	TCP6Connection
	TCP6Announce
	TCP6Scrape

	UDP4Connection
	UDP4Announce
	UDP4Scrape

	UDP6Connection
	UDP6Announce
	UDP6Scrape

	Completed

	HandledRequest
	ErroredRequest
	ClientError

	ResponseTime
)

// DefaultStats is the process-wide instance of stats tracking, assigned by
// cmd/chihayad from New(cfg.Stats). Its event channels are unbuffered unless
// StatsConfig.BufferSize is set.
var DefaultStats *Stats

// ProtocolStats is the connections/announces/scrapes triple kept per
// protocol and address family (§4.10: tcp4, tcp6, udp4, udp6).
type ProtocolStats struct {
	Connections uint64
	Announces   uint64
	Scrapes     uint64
}

type PercentileTimes struct {
	P50 *faststats.Percentile
	P90 *faststats.Percentile
	P95 *faststats.Percentile
}

type Stats struct {
	Started time.Time // Time at which chihayad was booted.

	OpenConnections int64 `json:"connectionsOpen"`

	RequestsHandled uint64 `json:"requestsHandled"`
	RequestsErrored uint64 `json:"requestsErrored"`
	ClientErrors    uint64 `json:"requestsBad"`
	ResponseTime    PercentileTimes

	TCP4 ProtocolStats `json:"tcp4"`
	TCP6 ProtocolStats `json:"tcp6"`
	UDP4 ProtocolStats `json:"udp4"`
	UDP6 ProtocolStats `json:"udp6"`

	Completed uint64 `json:"completed"`

	// TorrentsSize is a gauge sampled from the store, not an event counter;
	// it is refreshed periodically by the tracker's stats-log worker via
	// SetTorrentsSize rather than incremented/decremented per mutation.
	TorrentsSize uint64 `json:"torrentsSize"`

	*MemStatsWrapper `json:",omitempty"`

	events             chan int
	responseTimeEvents chan time.Duration
	recordMemStats     <-chan time.Time

	flattened flatjson.Map
}

func New(cfg config.StatsConfig) *Stats {
	s := &Stats{
		Started: time.Now(),
		events:  make(chan int, cfg.BufferSize),

		responseTimeEvents: make(chan time.Duration, cfg.BufferSize),

		ResponseTime: PercentileTimes{
			P50: faststats.NewPercentile(0.5),
			P90: faststats.NewPercentile(0.9),
			P95: faststats.NewPercentile(0.95),
		},
	}

	if cfg.IncludeMem {
		s.MemStatsWrapper = NewMemStatsWrapper(cfg.VerboseMem)
		s.recordMemStats = time.NewTicker(cfg.MemUpdateInterval.Duration).C
	}

	s.flattened = flatjson.Flatten(s)
	go s.handleEvents()
	return s
}

func (s *Stats) Flattened() flatjson.Map {
	return s.flattened
}

func (s *Stats) Close() {
	close(s.events)
}

func (s *Stats) Uptime() time.Duration {
	return time.Since(s.Started)
}

func (s *Stats) RecordEvent(event int) {
	s.events <- event
}

func (s *Stats) RecordTiming(event int, duration time.Duration) {
	switch event {
	case ResponseTime:
		s.responseTimeEvents <- duration
	default:
		panic("stats: RecordTiming called with an unknown event")
	}
}

// SetTorrentsSize updates the torrents-tracked gauge; called by the
// tracker's periodic stats-log worker rather than driven by mutations.
func (s *Stats) SetTorrentsSize(n uint64) {
	s.TorrentsSize = n
}

func (s *Stats) handleEvents() {
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case duration := <-s.responseTimeEvents:
			f := float64(duration) / float64(time.Millisecond)
			s.ResponseTime.P50.AddSample(f)
			s.ResponseTime.P90.AddSample(f)
			s.ResponseTime.P95.AddSample(f)

		case <-s.recordMemStats:
			s.MemStatsWrapper.Update()
		}
	}
}

func (s *Stats) handleEvent(event int) {
	switch event {
	case TCP4Connection:
		s.TCP4.Connections++
		s.OpenConnections++
	case TCP4Announce:
		s.TCP4.Announces++
	case TCP4Scrape:
		s.TCP4.Scrapes++

	case TCP6Connection:
		s.TCP6.Connections++
		s.OpenConnections++
	case TCP6Announce:
		s.TCP6.Announces++
	case TCP6Scrape:
		s.TCP6.Scrapes++

	case UDP4Connection:
		s.UDP4.Connections++
	case UDP4Announce:
		s.UDP4.Announces++
	case UDP4Scrape:
		s.UDP4.Scrapes++

	case UDP6Connection:
		s.UDP6.Connections++
	case UDP6Announce:
		s.UDP6.Announces++
	case UDP6Scrape:
		s.UDP6.Scrapes++

	case Completed:
		s.Completed++

	case HandledRequest:
		s.RequestsHandled++

	case ErroredRequest:
		s.RequestsErrored++

	case ClientError:
		s.ClientErrors++

	default:
		panic("stats: RecordEvent called with an unknown event")
	}
}

// decrementOpenConnections mutates the gauge directly rather than through
// the events channel: a close isn't a counted event in §4.10's counter set
// (only connections accepted are), it's just the other half of the live
// OpenConnections gauge that TCP4Connection/TCP6Connection increment.
func (s *Stats) decrementOpenConnections() {
	s.OpenConnections--
}

// RecordEvent broadcasts an event to the default stats queue and mirrors it
// into the Prometheus counters exported alongside the JSON stats endpoint.
func RecordEvent(event int) {
	RecordPrometheus(event)
	if DefaultStats != nil {
		DefaultStats.RecordEvent(event)
	}
}

// RecordClosedConnection reports a closed HTTP connection, the other half
// of the OpenConnections gauge TCP4Connection/TCP6Connection increment.
func RecordClosedConnection() {
	ClosedTCPConnection()
	if DefaultStats != nil {
		DefaultStats.decrementOpenConnections()
	}
}

// RecordTiming broadcasts a timing event to the default stats queue.
func RecordTiming(event int, duration time.Duration) {
	if event == ResponseTime {
		ObserveResponseTime(duration.Seconds())
	}
	if DefaultStats != nil {
		DefaultStats.RecordTiming(event, duration)
	}
}

// SetTorrentGauge updates both the Prometheus and JSON torrents-tracked
// gauges, called periodically by the tracker's stats-log worker.
func SetTorrentGauge(n int) {
	setPrometheusTorrentGauge(n)
	if DefaultStats != nil {
		DefaultStats.SetTorrentsSize(uint64(n))
	}
}
