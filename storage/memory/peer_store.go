// Package memory implements the tracker core's Peer Repository (the
// storage.PeerStore port) as a sharded, in-memory concurrent map. It keeps
// no state beyond process lifetime; durable torrent aggregates are seeded
// from a Persistence Port via ImportPersistent and handed back out through
// RemovePeerlessTorrents' persist callback.
package memory

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/log"
	"github.com/torrust/tracker-core/storage"
)

// Name identifies this PeerStore implementation in logs.
const Name = "memory"

// defaultShardCount is used when Config.ShardCount is unset.
const defaultShardCount = 1024

// Config holds the configuration of a memory PeerStore. Unlike the
// teacher's memory store, there is no GarbageCollectionInterval or
// PrometheusReportingInterval here: per spec, the core does not schedule
// its own background work, so cleanup sweeps and metric refreshes both
// happen synchronously when the host calls for them.
type Config struct {
	ShardCount int `yaml:"shard_count"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":       Name,
		"shardCount": cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid, warning to the
// logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ShardCount",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	return validcfg
}

// swarmEntry is one torrent's state: its currently-announced peers, keyed
// by socket address, plus the monotonic download counter that outlives any
// single peer's membership.
type swarmEntry struct {
	peers      map[string]bittorrent.Peer
	downloaded uint32
}

func peerKey(p bittorrent.Peer) string {
	b := make([]byte, len(p.IP)+2)
	copy(b, p.IP)
	binary.BigEndian.PutUint16(b[len(p.IP):], p.Port)
	return string(b)
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]*swarmEntry
	sync.RWMutex
}

// PeerStore is the sharded in-memory implementation of storage.PeerStore.
type PeerStore struct {
	cfg    Config
	shards []*peerShard
}

var _ storage.PeerStore = &PeerStore{}

// New creates a PeerStore backed by memory. Activity timestamps
// (bittorrent.Peer.Updated) and cutoffs passed to RemoveInactivePeers both
// come from the caller's clock.Clock, so the store itself holds no clock.
func New(provided Config) *PeerStore {
	cfg := provided.Validate()

	ps := &PeerStore{
		cfg:    cfg,
		shards: make([]*peerShard, cfg.ShardCount),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		ps.shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]*swarmEntry)}
	}

	return ps
}

// shardIndex picks the shard an info-hash's swarm lives in. Unlike the
// teacher's memory store, which also splits the shard space between IPv4
// and IPv6 to keep cross-family traffic from contending on one lock, a
// swarm here is a single map entry regardless of which address families
// its peers use — spec.md's data model has exactly one SwarmMetadata per
// info-hash, and splitting by family would silently produce two.
func (ps *PeerStore) shardIndex(ih bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(ih[:4]) % uint32(len(ps.shards))
}

func (ps *PeerStore) shardFor(ih bittorrent.InfoHash) *peerShard {
	return ps.shards[ps.shardIndex(ih)]
}

// UpsertPeer implements storage.PeerStore.
func (ps *PeerStore) UpsertPeer(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	shard := ps.shardFor(ih)
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = &swarmEntry{peers: make(map[string]bittorrent.Peer)}
		shard.swarms[ih] = sw
	}

	key := peerKey(p)
	_, existed := sw.peers[key]

	if p.Event == bittorrent.Completed && existed {
		sw.downloaded++
	}

	sw.peers[key] = p
	return nil
}

// GetSwarmMetadata implements storage.PeerStore.
func (ps *PeerStore) GetSwarmMetadata(ih bittorrent.InfoHash, cutoff int64) (storage.SwarmMetadata, bool) {
	shard := ps.shardFor(ih)
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.SwarmMetadata{}, false
	}

	var complete, incomplete uint32
	for _, peer := range sw.peers {
		if peer.Updated < cutoff {
			continue
		}
		if peer.Seeder() {
			complete++
		} else {
			incomplete++
		}
	}

	return storage.SwarmMetadata{
		Complete:   complete,
		Incomplete: incomplete,
		Downloaded: sw.downloaded,
	}, true
}

// GetPeersForClient implements storage.PeerStore.
func (ps *PeerStore) GetPeersForClient(ih bittorrent.InfoHash, client bittorrent.Peer, seeder bool, numWant int) ([]bittorrent.Peer, error) {
	shard := ps.shardFor(ih)
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	excludeKey := peerKey(client)

	var peers []bittorrent.Peer
	if seeder {
		// A seeder already has the full data; it only wants leechers.
		for key, peer := range sw.peers {
			if len(peers) >= numWant {
				break
			}
			if key == excludeKey || peer.Seeder() {
				continue
			}
			peers = append(peers, peer)
		}
		return peers, nil
	}

	// A leecher wants seeders first, then other leechers to fill numWant.
	for key, peer := range sw.peers {
		if len(peers) >= numWant {
			return peers, nil
		}
		if key == excludeKey || !peer.Seeder() {
			continue
		}
		peers = append(peers, peer)
	}
	for key, peer := range sw.peers {
		if len(peers) >= numWant {
			break
		}
		if key == excludeKey || peer.Seeder() {
			continue
		}
		peers = append(peers, peer)
	}

	return peers, nil
}

// GetPeers implements storage.PeerStore.
func (ps *PeerStore) GetPeers(ih bittorrent.InfoHash, numWant int) ([]bittorrent.Peer, error) {
	shard := ps.shardFor(ih)
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	var peers []bittorrent.Peer
	for _, peer := range sw.peers {
		if len(peers) >= numWant {
			break
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// GetMetrics implements storage.PeerStore.
//
// As a side effect, it refreshes the Prometheus gauges the way the
// teacher's populateProm did on its ticker; here there is no ticker, so a
// host that wants fresh gauges calls GetMetrics (or the Tracker Facade's
// GetTorrentsMetrics, which wraps it) on its own schedule.
func (ps *PeerStore) GetMetrics(cutoff int64) storage.TorrentsMetrics {
	var m storage.TorrentsMetrics

	for _, shard := range ps.shards {
		shard.RLock()
		m.Torrents += uint64(len(shard.swarms))
		for _, sw := range shard.swarms {
			m.Downloaded += uint64(sw.downloaded)
			for _, peer := range sw.peers {
				if peer.Updated < cutoff {
					continue
				}
				if peer.Seeder() {
					m.Complete++
				} else {
					m.Incomplete++
				}
			}
		}
		shard.RUnlock()
	}

	storage.PromInfohashesCount.Set(float64(m.Torrents))
	storage.PromSeedersCount.Set(float64(m.Complete))
	storage.PromLeechersCount.Set(float64(m.Incomplete))

	return m
}

// RemoveInactivePeers implements storage.PeerStore.
//
// Swarms left with zero peers after the sweep are not deleted here — only
// their peers are — so that a swarm's Downloaded counter survives until
// RemovePeerlessTorrents decides what to do with it.
func (ps *PeerStore) RemoveInactivePeers(cutoff int64) {
	start := time.Now()

	for _, shard := range ps.shards {
		shard.Lock()
		for _, sw := range shard.swarms {
			for key, peer := range sw.peers {
				if peer.Updated < cutoff {
					delete(sw.peers, key)
				}
			}
		}
		shard.Unlock()
	}

	storage.PromGCDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
}

// RemovePeerlessTorrents implements storage.PeerStore.
func (ps *PeerStore) RemovePeerlessTorrents(persist func(ih bittorrent.InfoHash, downloaded uint32)) {
	for _, shard := range ps.shards {
		shard.Lock()
		for ih, sw := range shard.swarms {
			if len(sw.peers) == 0 {
				if persist != nil {
					persist(ih, sw.downloaded)
				}
				delete(shard.swarms, ih)
			}
		}
		shard.Unlock()
	}
}

// ImportPersistent implements storage.PeerStore.
func (ps *PeerStore) ImportPersistent(records []storage.TorrentRecord) {
	for _, rec := range records {
		shard := ps.shardFor(rec.InfoHash)
		shard.Lock()
		sw, ok := shard.swarms[rec.InfoHash]
		if !ok {
			sw = &swarmEntry{peers: make(map[string]bittorrent.Peer)}
			shard.swarms[rec.InfoHash] = sw
		}
		sw.downloaded = rec.Downloaded
		shard.Unlock()
	}
}

// LogFields implements log.Fielder.
func (ps *PeerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
