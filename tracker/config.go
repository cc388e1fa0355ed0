package tracker

import "time"

// Config holds the tunables governing announce/scrape handling: wanted-peer
// limits, interval advice, and which access overlays are enforced.
type Config struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	DefaultNumWant      int32
	MaxNumWant          int32
	MaxScrapeInfoHashes int

	PrivateEnabled   bool // require a valid passkey-derived user on every request
	WhitelistEnabled bool
	BlacklistEnabled bool
	KeysEnabled      bool
}

// DefaultConfig mirrors the teacher's announce defaults, scaled to this
// tracker's larger default swarm-size ceiling (§6).
func DefaultConfig() Config {
	return Config{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
		DefaultNumWant:      50,
		MaxNumWant:          100,
		MaxScrapeInfoHashes: 100,
	}
}
