// Package auth implements the Key Store (spec.md §4.5): the private-mode
// authentication gate behind the Tracker Facade's Authenticate, which the
// host calls before serving an announce or scrape. It keeps an in-memory set of valid keys reconciled against a
// Persistence Port, the way the teacher's middleware hooks keep an
// in-memory approved/unapproved set reconciled against YAML config.
package auth

import (
	"crypto/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/clock"
	"github.com/torrust/tracker-core/storage/persistence"
)

// ErrInvalidKey is returned by Verify when the key is not currently valid:
// unknown, or known but expired.
var ErrInvalidKey = bittorrent.ClientError("invalid key")

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const keyLength = 32

// AddKeyRequest describes a caller's intent to add a key: either a
// specific key value (e.g. an operator provisioning a known credential)
// or, when Key is nil, a request to generate a fresh one.
type AddKeyRequest struct {
	Key        *bittorrent.Key
	ValidUntil *int64
}

// KeyStore is the Key Store component. All methods are safe for
// concurrent use.
type KeyStore struct {
	mu    sync.RWMutex
	keys  map[bittorrent.Key]*int64
	store persistence.Store
	clock clock.Clock
}

// New creates a KeyStore backed by store. Call LoadFromDatabase before
// serving requests so the in-memory set reflects persisted keys.
func New(store persistence.Store, clk clock.Clock) *KeyStore {
	return &KeyStore{
		keys:  make(map[bittorrent.Key]*int64),
		store: store,
		clock: clk,
	}
}

// LoadFromDatabase reconciles the in-memory key set against the
// Persistence Port, replacing it wholesale — the same rebuild-the-whole-
// map approach the teacher's config-driven hooks use, just sourced from a
// database instead of YAML.
func (ks *KeyStore) LoadFromDatabase() error {
	records, err := ks.store.LoadKeys()
	if err != nil {
		return errors.Wrap(err, "auth: failed to load keys from database")
	}

	keys := make(map[bittorrent.Key]*int64, len(records))
	for _, rec := range records {
		keys[rec.Key] = rec.ValidUntil
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()

	return nil
}

// Generate creates a fresh, cryptographically random 32-character
// alphanumeric key valid until validUntil (nil for no expiry), persists
// it, and adds it to the in-memory set.
//
// Unlike the teacher's pkg/random (a math/rand-seeded PRNG built for
// generating reproducible test fixtures), key generation uses
// crypto/rand: an authentication credential needs real entropy, not a
// reproducible sequence.
func (ks *KeyStore) Generate(validUntil *int64) (bittorrent.PeerKey, error) {
	raw := make([]byte, keyLength)
	if _, err := rand.Read(raw); err != nil {
		return bittorrent.PeerKey{}, errors.Wrap(err, "auth: failed to read random bytes")
	}

	for i, b := range raw {
		raw[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}

	key, err := bittorrent.NewKey(string(raw))
	if err != nil {
		// Unreachable unless keyAlphabet or keyLength are misconfigured.
		return bittorrent.PeerKey{}, errors.Wrap(err, "auth: generated key failed validation")
	}

	peerKey := bittorrent.PeerKey{Key: key, ValidUntil: validUntil}
	if err := ks.Add(peerKey); err != nil {
		return bittorrent.PeerKey{}, err
	}

	return peerKey, nil
}

// Add persists key and adds it to the in-memory set.
func (ks *KeyStore) Add(key bittorrent.PeerKey) error {
	if err := ks.store.AddKey(key); err != nil {
		return errors.Wrap(err, "auth: failed to persist key")
	}

	ks.mu.Lock()
	ks.keys[key.Key] = key.ValidUntil
	ks.mu.Unlock()

	return nil
}

// AddPeerKey dispatches an AddKeyRequest: generates a fresh key when req.Key
// is nil, otherwise adds the caller-supplied key as-is.
func (ks *KeyStore) AddPeerKey(req AddKeyRequest) (bittorrent.PeerKey, error) {
	if req.Key == nil {
		return ks.Generate(req.ValidUntil)
	}

	peerKey := bittorrent.PeerKey{Key: *req.Key, ValidUntil: req.ValidUntil}
	if err := ks.Add(peerKey); err != nil {
		return bittorrent.PeerKey{}, err
	}
	return peerKey, nil
}

// Remove deletes key from both the persistent store and the in-memory
// set.
func (ks *KeyStore) Remove(key bittorrent.Key) error {
	if err := ks.store.RemoveKey(key); err != nil {
		return errors.Wrap(err, "auth: failed to remove key from database")
	}

	ks.mu.Lock()
	delete(ks.keys, key)
	ks.mu.Unlock()

	return nil
}

// Verify reports whether key currently grants access: it must be present,
// and, if checkExpiration is true and the key has an expiry, not yet
// expired. Callers pass checkExpiration rather than this package reading
// it from config, since the policy (private_mode.check_keys_expiration)
// belongs to the Tracker Facade, not the Key Store.
func (ks *KeyStore) Verify(key bittorrent.Key, checkExpiration bool) error {
	ks.mu.RLock()
	validUntil, ok := ks.keys[key]
	ks.mu.RUnlock()

	if !ok {
		return ErrInvalidKey
	}

	if checkExpiration && validUntil != nil && *validUntil < ks.clock.Now() {
		return ErrInvalidKey
	}

	return nil
}
