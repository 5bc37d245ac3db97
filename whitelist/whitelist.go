// Package whitelist implements the Whitelist component (spec.md §4.6):
// listed-mode authorization gating which info-hashes a tracker will
// serve. Grounded on the teacher's middleware/torrentapproval hook, but
// generalized from a static config-loaded set into one mutated at runtime
// and reconciled against a Persistence Port.
package whitelist

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/storage/persistence"
)

// ErrTorrentUnapproved is returned when an info-hash is not on the
// whitelist.
var ErrTorrentUnapproved = bittorrent.ClientError("unapproved torrent")

// Whitelist is the listed-mode authorization component. All methods are
// safe for concurrent use.
type Whitelist struct {
	mu     sync.RWMutex
	listed map[bittorrent.InfoHash]struct{}
	store  persistence.Store
}

// New creates a Whitelist backed by store. Call LoadFromDatabase before
// serving requests so the in-memory set reflects persisted entries.
func New(store persistence.Store) *Whitelist {
	return &Whitelist{
		listed: make(map[bittorrent.InfoHash]struct{}),
		store:  store,
	}
}

// LoadFromDatabase reconciles the in-memory set against the Persistence
// Port, replacing it wholesale — the same approach torrentapproval takes
// building its approved set from config, just sourced from a database.
func (w *Whitelist) LoadFromDatabase() error {
	hashes, err := w.store.LoadWhitelist()
	if err != nil {
		return errors.Wrap(err, "whitelist: failed to load from database")
	}

	listed := make(map[bittorrent.InfoHash]struct{}, len(hashes))
	for _, ih := range hashes {
		listed[ih] = struct{}{}
	}

	w.mu.Lock()
	w.listed = listed
	w.mu.Unlock()

	return nil
}

// Add whitelists ih, persisting it and adding it to the in-memory set. It
// is idempotent.
func (w *Whitelist) Add(ih bittorrent.InfoHash) error {
	if err := w.store.WhitelistInfoHash(ih); err != nil {
		return errors.Wrap(err, "whitelist: failed to persist")
	}

	w.mu.Lock()
	w.listed[ih] = struct{}{}
	w.mu.Unlock()

	return nil
}

// Remove un-whitelists ih. It is idempotent.
func (w *Whitelist) Remove(ih bittorrent.InfoHash) error {
	if err := w.store.UnwhitelistInfoHash(ih); err != nil {
		return errors.Wrap(err, "whitelist: failed to remove from database")
	}

	w.mu.Lock()
	delete(w.listed, ih)
	w.mu.Unlock()

	return nil
}

// IsListed reports whether ih is currently whitelisted.
func (w *Whitelist) IsListed(ih bittorrent.InfoHash) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.listed[ih]
	return ok
}

// Authorize returns ErrTorrentUnapproved if ih is not whitelisted.
func (w *Whitelist) Authorize(ih bittorrent.InfoHash) error {
	if !w.IsListed(ih) {
		return ErrTorrentUnapproved
	}
	return nil
}
