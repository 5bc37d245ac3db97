// Package persistence defines the Persistence Port: the contract a durable
// store (SQL, Redis, or anything else) must satisfy to back the tracker
// core's torrent aggregates, whitelist, and key store across restarts. It
// has no knowledge of any concrete database driver; see the sql and redis
// subpackages for adapters.
package persistence

import (
	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/storage"
)

// Store is the Persistence Port. Every method is safe for concurrent use.
//
// Peers are never persisted: only a torrent's info-hash, its durable
// Downloaded counter, whitelist membership, and key-store entries survive
// a restart. Peer state is rebuilt entirely from client re-announces.
type Store interface {
	// LoadPersistentTorrents returns every known torrent aggregate, for
	// the Tracker Facade to seed the Peer Repository with at startup via
	// storage.PeerStore.ImportPersistent.
	LoadPersistentTorrents() ([]storage.TorrentRecord, error)

	// SavePersistentTorrent creates or updates the durable downloaded
	// counter for ih.
	SavePersistentTorrent(ih bittorrent.InfoHash, downloaded uint32) error

	// LoadWhitelist returns every currently-whitelisted info-hash.
	LoadWhitelist() ([]bittorrent.InfoHash, error)

	// WhitelistInfoHash adds ih to the whitelist. It is idempotent.
	WhitelistInfoHash(ih bittorrent.InfoHash) error

	// UnwhitelistInfoHash removes ih from the whitelist. It is
	// idempotent: removing an absent info-hash is not an error.
	UnwhitelistInfoHash(ih bittorrent.InfoHash) error

	// IsInfoHashWhitelisted reports whether ih is currently whitelisted.
	IsInfoHashWhitelisted(ih bittorrent.InfoHash) (bool, error)

	// LoadKeys returns every key currently in the key store.
	LoadKeys() ([]bittorrent.PeerKey, error)

	// AddKey adds or updates a key in the key store.
	AddKey(key bittorrent.PeerKey) error

	// RemoveKey removes a key from the key store. It is idempotent.
	RemoveKey(key bittorrent.Key) error

	// DropDatabaseTables removes every table/collection this store owns.
	// It is destructive and exists for test teardown and for operators
	// resetting a tracker's persistent state, never for use in request
	// handling.
	DropDatabaseTables() error
}
