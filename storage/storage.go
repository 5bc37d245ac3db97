// Package storage defines the Peer Repository port: the interface the
// Tracker Facade uses to record peer state and derive swarm metadata, and
// the sharded in-memory implementation of it (see the memory subpackage).
// It has no knowledge of announce/scrape request parsing or any wire
// protocol.
package storage

import (
	"github.com/torrust/tracker-core/bittorrent"
)

// ErrResourceDoesNotExist is returned by any lookup against a swarm or
// torrent that the repository has no record of.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// SwarmMetadata is the complete/incomplete/downloaded triple a scrape
// response is built from.
//
// Complete and Incomplete only count peers active as of the cutoff passed
// to GetSwarmMetadata/GetMetrics, computed on demand rather than cached
// from the last RemoveInactivePeers sweep; Downloaded is a monotonic
// counter that survives peers leaving the swarm.
type SwarmMetadata struct {
	Complete   uint32
	Incomplete uint32
	Downloaded uint32
}

// TorrentsMetrics summarizes the whole repository, used for the tracker's
// global stats endpoint and for Prometheus gauges.
type TorrentsMetrics struct {
	Complete   uint64
	Incomplete uint64
	Downloaded uint64
	Torrents   uint64
}

// TorrentRecord is one row of the persisted torrent aggregates a
// Persistence Port loads or saves: an info-hash and its durable downloaded
// counter. It carries no peer-level state, since peers are never persisted.
type TorrentRecord struct {
	InfoHash   bittorrent.InfoHash
	Downloaded uint32
}

// PeerStore is the Peer Repository port. A single implementation
// (storage/memory) backs it; the interface exists so the Tracker Facade
// doesn't depend on the concrete sharded map.
type PeerStore interface {
	// UpsertPeer records p's latest announce for ih, inserting it if this
	// is the first time this socket address has been seen in the swarm.
	//
	// If p.Event is bittorrent.Completed and an entry for p's socket
	// address already existed in the swarm, the swarm's Downloaded
	// counter is incremented by one (first-sighting Completed announces,
	// where the peer was never seen before, do not count as a download).
	UpsertPeer(ih bittorrent.InfoHash, p bittorrent.Peer) error

	// GetSwarmMetadata returns the current complete/incomplete/downloaded
	// counts for ih, counting only peers whose Updated timestamp is at
	// least cutoff (seconds since the Unix epoch) — active peers, produced
	// on demand rather than from the last RemoveInactivePeers sweep. ok is
	// false if the repository has no swarm for ih.
	GetSwarmMetadata(ih bittorrent.InfoHash, cutoff int64) (metadata SwarmMetadata, ok bool)

	// GetPeersForClient returns up to numWant peers from ih's swarm,
	// excluding the announcing client's own socket address. seeder
	// indicates whether the announcing client is a seeder, which
	// determines whether the returned set is restricted to leechers: a
	// seeder never needs other seeders' addresses, since it already has
	// the complete data.
	GetPeersForClient(ih bittorrent.InfoHash, client bittorrent.Peer, seeder bool, numWant int) ([]bittorrent.Peer, error)

	// GetPeers returns up to numWant peers from ih's swarm with no
	// exclusion, for hosts/tools that want a raw swarm snapshot.
	GetPeers(ih bittorrent.InfoHash, numWant int) ([]bittorrent.Peer, error)

	// GetMetrics returns a snapshot of the whole repository, counting only
	// peers active as of cutoff the same way GetSwarmMetadata does.
	GetMetrics(cutoff int64) TorrentsMetrics

	// RemoveInactivePeers deletes every peer across every swarm whose
	// Updated timestamp is older than cutoff (seconds since the Unix
	// epoch).
	RemoveInactivePeers(cutoff int64)

	// RemovePeerlessTorrents deletes every swarm left with zero peers.
	// Each removed swarm's Downloaded counter is handed to persist so the
	// caller can decide whether to flush it, since the in-memory entry
	// that held it is about to disappear.
	RemovePeerlessTorrents(persist func(ih bittorrent.InfoHash, downloaded uint32))

	// ImportPersistent seeds the repository's Downloaded counters from
	// previously-persisted records, e.g. at startup after loading from a
	// Persistence Port. It never creates peers, only swarm-level
	// bookkeeping, so a torrent with no peers announced yet still shows
	// up in scrape responses with its historical Downloaded count.
	ImportPersistent(records []TorrentRecord)
}
