// Command chihayad boots the tracker: it loads configuration, wires the
// in-memory store and access overlays to the relational repository, starts
// every protocol front-end, and blocks until SIGINT/SIGTERM triggers an
// orderly shutdown (§4.11).
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chihayatrack/chihayad/api"
	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/config"
	httpfrontend "github.com/chihayatrack/chihayad/frontend/http"
	udpfrontend "github.com/chihayatrack/chihayad/frontend/udp"
	"github.com/chihayatrack/chihayad/stats"
	"github.com/chihayatrack/chihayad/storage/memory"
	"github.com/chihayatrack/chihayad/storage/overlay"
	"github.com/chihayatrack/chihayad/storage/repository"
	"github.com/chihayatrack/chihayad/tracker"
)

var (
	maxProcs   int
	configPath string
)

func init() {
	flag.IntVar(&maxProcs, "maxprocs", runtime.NumCPU(), "maximum parallel threads")
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
}

type server interface {
	Serve() error
	Stop()
}

func main() {
	defer glog.Flush()
	flag.Parse()

	runtime.GOMAXPROCS(maxProcs)
	glog.V(1).Infof("set GOMAXPROCS to %d", maxProcs)

	cfg, err := config.Open(configPath)
	if err != nil {
		glog.Fatalf("failed to parse configuration: %s", err)
	}

	stats.DefaultStats = stats.New(cfg.Stats)

	peers := memory.New()
	whitelist := overlay.NewHashSet()
	blacklist := overlay.NewHashSet()
	keys := overlay.NewKeyStore()
	users := overlay.NewUserStore()

	var pipeline *repository.Pipeline
	if cfg.Storage.Driver != "" {
		repo, err := repository.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			glog.Fatalf("failed to open repository: %s", err)
		}
		pipeline = repository.NewPipeline(repo, peers, users, cfg.Storage.FlushInterval.Duration, cfg.Storage.MaxRetries, cfg.Storage.MaxRetryInterval.Duration)
		if err := pipeline.LoadAll(whitelist, blacklist, keys); err != nil {
			glog.Errorf("failed to load persisted state: %s", err)
		}
		pipeline.Start()
	}

	trackerCfg := tracker.Config{
		AnnounceInterval:    cfg.Tracker.Announce.Duration,
		MinAnnounceInterval: cfg.Tracker.MinAnnounce.Duration,
		DefaultNumWant:      cfg.Tracker.DefaultNumWant,
		MaxNumWant:          cfg.Tracker.MaxNumWant,
		MaxScrapeInfoHashes: cfg.Tracker.MaxScrapeInfoHashes,
		PrivateEnabled:      cfg.Tracker.PrivateEnabled,
		WhitelistEnabled:    cfg.Tracker.WhitelistEnabled,
		BlacklistEnabled:    cfg.Tracker.BlacklistEnabled,
		KeysEnabled:         cfg.Tracker.KeysEnabled,
	}
	for _, raw := range cfg.Tracker.Whitelist {
		if ih, err := bittorrent.InfoHashFromString(raw); err == nil {
			whitelist.Insert(ih)
		}
	}
	for _, raw := range cfg.Tracker.Blacklist {
		if ih, err := bittorrent.InfoHashFromString(raw); err == nil {
			blacklist.Insert(ih)
		}
	}

	var dirty tracker.DirtyTracker
	if pipeline != nil {
		dirty = pipeline
	}
	tkr := tracker.New(trackerCfg, peers, whitelist, blacklist, keys, users, dirty)

	stopWorkers := tkr.StartWorkers(tracker.WorkerConfig{
		GCInterval:        cfg.Tracker.ReapInterval.Duration,
		PeerLifetime:      cfg.Tracker.PeerLifetime.Duration,
		InsertVacant:      !cfg.Tracker.PurgeInactiveTorrents,
		KeyExpiryInterval: cfg.Tracker.KeyExpiryInterval.Duration,
		StatsLogInterval:  5 * time.Minute,
	})

	var servers []server
	servers = append(servers, httpfrontend.NewServer(cfg.HTTP, cfg.Tracker.PrivateEnabled, cfg.Tracker.RealIPHeader, tkr))
	servers = append(servers, udpfrontend.NewFrontend(tkr, udpfrontend.Config{
		Addr:         cfg.UDP.ListenAddr,
		MaxClockSkew: cfg.UDP.MaxClockSkew.Duration,
		ConnIDSecret: []byte(cfg.UDP.ConnIDSecret),
		SocketBuffer: cfg.UDP.ReadBufferSize,
	}))
	if cfg.API.ListenAddr != "" {
		servers = append(servers, api.NewServer(cfg.API, tkr))
	}

	if cfg.Stats.PrometheusAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Stats.PrometheusAddr, mux); err != nil {
				glog.Errorf("prometheus: %s", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv server) {
			defer wg.Done()
			if err := srv.Serve(); err != nil {
				glog.Errorf("front-end exited: %s", err)
			}
		}(srv)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	glog.Info("shutting down...")

	for _, srv := range servers {
		srv.Stop()
	}
	wg.Wait()

	stopWorkers()
	if pipeline != nil {
		pipeline.Stop()
	}
	tkr.Close()
}
