// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

// Package config implements the configuration for a BitTorrent tracker,
// loaded from TOML with environment-variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chihayatrack/chihayad/config/envoverride"
)

// ErrMissingRequiredParam is returned when a parameter required by a
// storage driver is absent.
var ErrMissingRequiredParam = errors.New("a parameter required by a driver is not present")

// Duration wraps a time.Duration, marshalling as a Go duration string in
// both TOML and JSON so config files stay human-readable ("30m", "5s").
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// SubnetConfig tunes whether locally-peered clients are preferred when
// responding to an announce.
type SubnetConfig struct {
	PreferredSubnet     bool `toml:"preferred_subnet"`
	PreferredIPv4Subnet int  `toml:"preferred_ipv4_subnet"`
	PreferredIPv6Subnet int  `toml:"preferred_ipv6_subnet"`
}

// NetConfig tunes networking behavior shared across front-ends.
type NetConfig struct {
	AllowIPSpoofing  bool   `toml:"allow_ip_spoofing"`
	DualStackedPeers bool   `toml:"dual_stacked_peers"`
	RealIPHeader     string `toml:"real_ip_header"`
	RespectAF        bool   `toml:"respect_af"`
	NumListeners     int    `toml:"listeners"`
	SubnetConfig
}

// StatsConfig tunes the runtime statistics collector (§4.10).
type StatsConfig struct {
	BufferSize        int      `toml:"buffer_size"`
	IncludeMem        bool     `toml:"include_mem_stats"`
	VerboseMem        bool     `toml:"verbose_mem_stats"`
	MemUpdateInterval Duration `toml:"mem_stats_interval"`
	PrometheusAddr    string   `toml:"prometheus_addr"`
}

// OverlayConfig toggles and seeds the access-control overlays (§4.3).
type OverlayConfig struct {
	WhitelistEnabled bool     `toml:"whitelist_enabled"`
	Whitelist        []string `toml:"whitelist"`
	BlacklistEnabled bool     `toml:"blacklist_enabled"`
	Blacklist        []string `toml:"blacklist"`
	KeysEnabled      bool     `toml:"keys_enabled"`
}

// TrackerConfig is the configuration for core announce/scrape behavior.
type TrackerConfig struct {
	CreateOnAnnounce      bool     `toml:"create_on_announce"`
	PrivateEnabled        bool     `toml:"private_enabled"`
	PurgeInactiveTorrents bool     `toml:"purge_inactive_torrents"`
	Announce              Duration `toml:"announce"`
	MinAnnounce           Duration `toml:"min_announce"`
	ReapInterval          Duration `toml:"reap_interval"`
	PeerLifetime          Duration `toml:"peer_lifetime"`
	KeyExpiryInterval     Duration `toml:"key_expiry_interval"`
	DefaultNumWant        int32    `toml:"default_num_want"`
	MaxNumWant            int32    `toml:"max_num_want"`
	MaxScrapeInfoHashes   int      `toml:"max_scrape_infohashes"`

	NetConfig
	OverlayConfig
}

// APIConfig is the configuration for the JSON management API (§4.13).
type APIConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	RequestTimeout Duration `toml:"request_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	ListenLimit    int      `toml:"listen_limit"`
	AuthToken      string   `toml:"auth_token"`
}

// HTTPConfig is the configuration for the HTTP tracker protocol front-end.
type HTTPConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	RequestTimeout Duration `toml:"request_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	ListenLimit    int      `toml:"listen_limit"`
}

// UDPConfig is the configuration for the UDP tracker protocol front-end.
type UDPConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	ReadBufferSize int      `toml:"read_buffer_size"`
	MaxClockSkew   Duration `toml:"max_clock_skew"`
	ConnIDSecret   string   `toml:"conn_id_secret"`
}

// StorageConfig selects and configures the relational persistence backend
// (§4.8, §4.14).
type StorageConfig struct {
	Driver           string   `toml:"driver"` // "sqlite3", "mysql", or "postgres"
	DSN              string   `toml:"dsn"`
	FlushInterval    Duration `toml:"flush_interval"`
	MaxRetries       int      `toml:"max_retries"`
	MaxRetryInterval Duration `toml:"max_retry_interval"`
}

// Config is the global configuration for an instance of the tracker.
type Config struct {
	Tracker TrackerConfig `toml:"tracker"`
	API     APIConfig     `toml:"api"`
	HTTP    HTTPConfig    `toml:"http"`
	UDP     UDPConfig     `toml:"udp"`
	Storage StorageConfig `toml:"storage"`
	Stats   StatsConfig   `toml:"stats"`
}

// DefaultConfig is used as a fallback when no config file is given.
var DefaultConfig = Config{
	Tracker: TrackerConfig{
		CreateOnAnnounce:      true,
		PrivateEnabled:        false,
		PurgeInactiveTorrents: true,
		Announce:              Duration{30 * time.Minute},
		MinAnnounce:           Duration{5 * time.Minute},
		ReapInterval:          Duration{3 * time.Minute},
		PeerLifetime:          Duration{30 * time.Minute},
		KeyExpiryInterval:     Duration{1 * time.Minute},
		DefaultNumWant:        50,
		MaxNumWant:            100,
		MaxScrapeInfoHashes:   100,

		NetConfig: NetConfig{
			AllowIPSpoofing:  false,
			DualStackedPeers: true,
			RespectAF:        false,
			NumListeners:     8,
		},
	},

	API: APIConfig{
		ListenAddr:     "localhost:6880",
		RequestTimeout: Duration{10 * time.Second},
		ReadTimeout:    Duration{10 * time.Second},
		WriteTimeout:   Duration{10 * time.Second},
	},

	HTTP: HTTPConfig{
		ListenAddr:     "localhost:6881",
		RequestTimeout: Duration{10 * time.Second},
		ReadTimeout:    Duration{10 * time.Second},
		WriteTimeout:   Duration{10 * time.Second},
	},

	UDP: UDPConfig{
		ListenAddr:   "localhost:6882",
		MaxClockSkew: Duration{2 * time.Minute},
	},

	Storage: StorageConfig{
		Driver:           "sqlite3",
		DSN:              "chihaya.db",
		FlushInterval:    Duration{15 * time.Second},
		MaxRetries:       5,
		MaxRetryInterval: Duration{30 * time.Second},
	},

	Stats: StatsConfig{
		BufferSize:        0,
		IncludeMem:        true,
		VerboseMem:        false,
		MemUpdateInterval: Duration{5 * time.Second},
	},
}

// Open reads and decodes a TOML config file at path, applying any
// CHIHAYA_-prefixed environment overrides afterward. Given "", it returns
// DefaultConfig with overrides applied.
func Open(path string) (*Config, error) {
	if path == "" {
		conf := DefaultConfig
		envoverride.Apply("CHIHAYA", &conf)
		return &conf, nil
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf, err := Decode(f)
	if err != nil {
		return nil, err
	}
	envoverride.Apply("CHIHAYA", conf)
	return conf, nil
}

// Decode parses r as TOML into a Config seeded from DefaultConfig.
func Decode(r io.Reader) (*Config, error) {
	conf := DefaultConfig
	if _, err := toml.DecodeReader(r, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}
