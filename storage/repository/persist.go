package repository

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/chihayatrack/chihayad/bittorrent"
	"github.com/chihayatrack/chihayad/storage"
	"github.com/chihayatrack/chihayad/storage/overlay"
)

// Pipeline batches in-memory mutations into periodic write-behind flushes
// against a Repository (§4.8). Every mutating call only marks a key dirty
// (or shadows a deletion) under a mutex; the actual SQL runs off the hot
// path, on a timer, with exponential-backoff retry of any failed statement;
// errors are not classified as transient or permanent.
type Pipeline struct {
	repo  *Repository
	peers storage.PeerStore
	users *overlay.UserStore

	interval   time.Duration
	maxRetries int
	maxRetryIv time.Duration

	mu            sync.Mutex
	dirtyTorrents map[bittorrent.InfoHash]struct{}
	deletedTorrents map[bittorrent.InfoHash]struct{}
	dirtyUsers    map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewPipeline constructs a Pipeline flushing peers/users state into repo
// every interval.
func NewPipeline(repo *Repository, peers storage.PeerStore, users *overlay.UserStore, interval time.Duration, maxRetries int, maxRetryIv time.Duration) *Pipeline {
	return &Pipeline{
		repo:            repo,
		peers:           peers,
		users:           users,
		interval:        interval,
		maxRetries:      maxRetries,
		maxRetryIv:      maxRetryIv,
		dirtyTorrents:   make(map[bittorrent.InfoHash]struct{}),
		deletedTorrents: make(map[bittorrent.InfoHash]struct{}),
		dirtyUsers:      make(map[string]struct{}),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (p *Pipeline) MarkTorrentDirty(ih bittorrent.InfoHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deletedTorrents, ih)
	p.dirtyTorrents[ih] = struct{}{}
}

func (p *Pipeline) MarkTorrentDeleted(ih bittorrent.InfoHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dirtyTorrents, ih)
	p.deletedTorrents[ih] = struct{}{}
}

func (p *Pipeline) MarkUserDirty(passkey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirtyUsers[passkey] = struct{}{}
}

// swap atomically drains and replaces the three dirty/shadow sets so a
// flush never races a concurrent announce into losing an update (§4.9).
func (p *Pipeline) swap() (dirty, deleted map[bittorrent.InfoHash]struct{}, dirtyUsers map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirty, p.dirtyTorrents = p.dirtyTorrents, make(map[bittorrent.InfoHash]struct{})
	deleted, p.deletedTorrents = p.deletedTorrents, make(map[bittorrent.InfoHash]struct{})
	dirtyUsers, p.dirtyUsers = p.dirtyUsers, make(map[string]struct{})
	return
}

// Start launches the flush loop in the background.
func (p *Pipeline) Start() {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				p.flush()
				return
			case <-ticker.C:
				p.flush()
			}
		}
	}()
}

// Stop requests a final flush and waits for it to complete.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.maxRetryIv
	return backoff.Retry(op, backoff.WithMaxRetries(b, uint64(p.maxRetries)))
}

// flush upserts via ON CONFLICT, which sqlite3 and postgres both accept;
// a mysql deployment needs the dialect's ON DUPLICATE KEY UPDATE instead,
// tracked as a follow-up rather than branching every statement here.
func (p *Pipeline) flush() {
	dirty, deleted, dirtyUsers := p.swap()
	if len(dirty) == 0 && len(deleted) == 0 && len(dirtyUsers) == 0 {
		return
	}

	for ih := range dirty {
		e, ok := p.peers.Get(ih)
		if !ok {
			continue
		}
		completed := e.Completed
		err := p.retry(func() error {
			_, err := p.repo.db.Exec(p.repo.rebind(
				`INSERT INTO torrents (info_hash, completed) VALUES (?, ?)
				 ON CONFLICT (info_hash) DO UPDATE SET completed = excluded.completed`),
				ih.String(), completed)
			return err
		})
		if err != nil {
			glog.Errorf("repository: flush torrent %s: %v", ih, err)
		}
	}

	for ih := range deleted {
		err := p.retry(func() error {
			_, err := p.repo.db.Exec(p.repo.rebind(`DELETE FROM torrents WHERE info_hash = ?`), ih.String())
			return err
		})
		if err != nil {
			glog.Errorf("repository: flush torrent deletion %s: %v", ih, err)
		}
	}

	for passkey := range dirtyUsers {
		u, ok := p.users.Get(passkey)
		if !ok {
			continue
		}
		err := p.retry(func() error {
			_, err := p.repo.db.Exec(p.repo.rebind(
				`INSERT INTO users (passkey, user_id, uploaded, downloaded, completed, active)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (passkey) DO UPDATE SET
				   uploaded = excluded.uploaded,
				   downloaded = excluded.downloaded,
				   completed = excluded.completed,
				   active = excluded.active`),
				u.Key, u.ID, u.Uploaded, u.Downloaded, u.Completed, u.Active)
			return err
		})
		if err != nil {
			glog.Errorf("repository: flush user %s: %v", passkey, err)
		}
	}

	glog.Infof("repository: flushed %d torrents, %d deletions, %d users", len(dirty), len(deleted), len(dirtyUsers))
}

// LoadAll restores whitelist/blacklist/keys/users/torrent-completed state
// from the repository at boot (§4.11 start order).
func (p *Pipeline) LoadAll(whitelist, blacklist *overlay.HashSet, keys *overlay.KeyStore) error {
	var torrents []struct {
		InfoHash    string `db:"info_hash"`
		Completed   uint64 `db:"completed"`
		Whitelisted bool   `db:"whitelisted"`
	}
	if err := p.repo.db.Select(&torrents, `SELECT info_hash, completed, whitelisted FROM torrents`); err != nil {
		return err
	}
	for _, t := range torrents {
		ih, err := bittorrent.InfoHashFromString(t.InfoHash)
		if err != nil {
			continue
		}
		p.peers.LoadTorrent(ih, t.Completed)
		if t.Whitelisted && whitelist != nil {
			whitelist.Insert(ih)
		}
	}

	var blacklisted []string
	if err := p.repo.db.Select(&blacklisted, `SELECT info_hash FROM blacklist`); err == nil {
		for _, raw := range blacklisted {
			if ih, err := bittorrent.InfoHashFromString(raw); err == nil && blacklist != nil {
				blacklist.Insert(ih)
			}
		}
	}

	var keyRows []struct {
		KeyHash   string `db:"key_hash"`
		ExpiresAt int64  `db:"expires_at"`
	}
	if err := p.repo.db.Select(&keyRows, `SELECT key_hash, expires_at FROM keys`); err == nil && keys != nil {
		for _, k := range keyRows {
			kh, err := overlay.KeyHashFromString(k.KeyHash)
			if err != nil {
				continue
			}
			keys.Insert(kh, k.ExpiresAt)
		}
	}

	var userRows []struct {
		Passkey    string `db:"passkey"`
		UserID     string `db:"user_id"`
		Uploaded   uint64 `db:"uploaded"`
		Downloaded uint64 `db:"downloaded"`
		Completed  uint64 `db:"completed"`
		Active     bool   `db:"active"`
	}
	if err := p.repo.db.Select(&userRows, `SELECT passkey, user_id, uploaded, downloaded, completed, active FROM users`); err == nil {
		for _, u := range userRows {
			p.users.Put(&overlay.User{
				ID:         u.UserID,
				Key:        u.Passkey,
				Uploaded:   u.Uploaded,
				Downloaded: u.Downloaded,
				Completed:  u.Completed,
				Active:     u.Active,
				Updated:    time.Now(),
			})
		}
	}

	return nil
}
