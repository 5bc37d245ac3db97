// Copyright 2016 Jimmy Zelinskie
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bittorrent defines the identifiers and value types shared by every
// component of the tracker core: info-hashes, peer IDs, keys, and peers. It
// has no knowledge of any wire protocol, socket, or database.
package bittorrent

import (
	"encoding/hex"
	"net"
	"regexp"
)

// PeerID represents a peer ID. It is supplied by the client and is not
// unique across the tracker; it is scoped to a single swarm.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String returns the lowercase hex representation of the PeerID.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// InfoHash represents an infohash: the 20-byte SHA-1 identifier of a
// torrent's metainfo. Equality and hashing are byte-exact; its textual form
// is lowercase hex.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a raw 20-byte string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// String returns the lowercase hex representation of the InfoHash.
func (ih InfoHash) String() string { return hex.EncodeToString(ih[:]) }

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9]{32}$`)

// Key is the 32-character alphanumeric credential used to gate access to a
// private tracker. Its lexical form is its canonical identity.
type Key string

// NewKey validates s as a Key, returning ErrInvalidKey if it is not exactly
// 32 characters of [a-zA-Z0-9].
func NewKey(s string) (Key, error) {
	if !keyPattern.MatchString(s) {
		return "", ErrInvalidKey
	}
	return Key(s), nil
}

// ErrInvalidKey is returned when a candidate key string is not 32 characters
// of [a-zA-Z0-9].
var ErrInvalidKey = ClientError("invalid key")

// PeerKey is one private-tracker credential as persisted by the Key Store:
// a Key plus its optional expiry. It lives here, alongside Key itself,
// rather than in the auth package, so that storage/persistence can depend
// on it without importing auth (which itself depends on
// storage/persistence to load and save keys).
type PeerKey struct {
	Key Key

	// ValidUntil is the number of seconds since the Unix epoch after which
	// the key is no longer valid. A nil value means the key never expires.
	ValidUntil *int64
}

// Expired reports whether the key had already expired at the given time
// (seconds since the Unix epoch).
func (pk PeerKey) Expired(now int64) bool {
	return pk.ValidUntil != nil && *pk.ValidUntil < now
}

// Peer represents the connection details of a peer participating in one
// swarm, as returned in an announce response.
//
// Identity within a swarm is the socket address (IP and port), not the
// PeerID: two announces with the same address from different clients
// replace each other.
type Peer struct {
	ID   PeerID
	IP   net.IP
	Port uint16

	// Updated is the number of seconds since the Unix epoch at the peer's
	// last announce.
	Updated    int64
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
}

// Seeder reports whether the peer has nothing left to download.
func (p Peer) Seeder() bool { return p.Left == 0 }

// Leecher reports whether the peer still has bytes left to download.
func (p Peer) Leecher() bool { return p.Left > 0 }

// Equal reports whether p and x are the same peer.
func (p Peer) Equal(x Peer) bool { return p.EqualEndpoint(x) && p.ID == x.ID }

// EqualEndpoint reports whether p and x share a socket address. This, not
// Equal, is the identity the Peer Repository keys on.
func (p Peer) EqualEndpoint(x Peer) bool { return p.Port == x.Port && p.IP.Equal(x.IP) }

// ClientError represents an error that should be exposed to the client
// making the request that produced it, as distinct from an internal or
// transport error.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
