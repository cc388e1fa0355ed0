package tracker

import (
	"time"

	"github.com/golang/glog"

	"github.com/chihayatrack/chihayad/stats"
)

// WorkerConfig tunes the periodic maintenance goroutines started by
// StartWorkers (§4.9).
type WorkerConfig struct {
	GCInterval   time.Duration
	PeerLifetime time.Duration
	InsertVacant bool

	KeyExpiryInterval time.Duration

	StatsLogInterval time.Duration
}

// DefaultWorkerConfig mirrors canonical chihaya's storage/memory garbage
// collection cadence.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		GCInterval:        3 * time.Minute,
		PeerLifetime:      30 * time.Minute,
		KeyExpiryInterval: 1 * time.Minute,
		StatsLogInterval:  5 * time.Minute,
	}
}

// StartWorkers launches the peer-timeout sweeper, key-expiry sweeper, and a
// console stats emitter, returning a stop func that blocks until every
// worker has exited its current tick. Each worker runs on its own ticker so
// a slow sweep of one kind never delays another.
func (t *Tracker) StartWorkers(cfg WorkerConfig) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{}, 3)

	go func() {
		defer func() { finished <- struct{}{} }()
		ticker := time.NewTicker(cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.PeerLifetime)
				peers, torrents := t.Peers.CollectGarbage(cutoff, cfg.InsertVacant)
				if peers > 0 || torrents > 0 {
					glog.Infof("tracker: gc swept %d peers, %d torrents", peers, torrents)
				}
			}
		}
	}()

	go func() {
		defer func() { finished <- struct{}{} }()
		if t.Keys == nil || cfg.KeyExpiryInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.KeyExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				expired := t.Keys.ExpireBefore(time.Now())
				if len(expired) > 0 {
					glog.Infof("tracker: expired %d keys", len(expired))
				}
			}
		}
	}()

	go func() {
		defer func() { finished <- struct{}{} }()
		if cfg.StatsLogInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.StatsLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := t.Peers.NumTorrents()
				stats.SetTorrentGauge(n)
				glog.Infof("tracker: %d torrents tracked", n)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		<-finished
		<-finished
	}
}
