// Package tracker implements the Tracker Facade (spec.md §4.1): the single
// object front-ends call. It composes the Peer Repository, Key Store,
// Whitelist, Clock, and Statistics Sink into the announce, scrape,
// authenticate, authorize, and cleanup operations. Grounded on the
// teacher's middleware/logic.go, which plays the same composing role, but
// expressed as direct methods instead of a pre/post hook chain — spec.md's
// Tracker Facade is a single object, not an extensible middleware pipeline.
package tracker

import (
	"fmt"
	"math"
	"net"

	"github.com/torrust/tracker-core/auth"
	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/clock"
	"github.com/torrust/tracker-core/pkg/log"
	"github.com/torrust/tracker-core/pkg/stop"
	"github.com/torrust/tracker-core/stats"
	"github.com/torrust/tracker-core/storage"
	"github.com/torrust/tracker-core/storage/persistence"
	"github.com/torrust/tracker-core/whitelist"
)

// TorrentPeersLimit is the hard cap on how many peers a single
// announce/get-torrent-peers call ever returns.
const TorrentPeersLimit = 74

// PeersWanted is a client's hint for how many peers it wants back from an
// announce, either "as many as possible" or a specific amount.
type PeersWanted struct {
	amount int
	all    bool
}

// PeersWantedAll requests as many peers as the tracker will give out.
func PeersWantedAll() PeersWanted { return PeersWanted{all: true} }

// PeersWantedOnly requests at most amount peers. A non-positive amount is
// treated the same as PeersWantedAll, matching the teacher's fallback for
// an unparseable numwant.
func PeersWantedOnly(amount int) PeersWanted {
	if amount <= 0 {
		return PeersWantedAll()
	}
	return PeersWanted{amount: amount}
}

func (p PeersWanted) limit() int {
	if p.all {
		return TorrentPeersLimit
	}
	return p.amount
}

// effectiveLimit applies spec.md §4.2 step 4's formula verbatim:
// L = max(peers_wanted.limit, TORRENT_PEERS_LIMIT), then hard-capped at
// TORRENT_PEERS_LIMIT. Because the hard cap can never exceed the floor, L
// is always exactly TorrentPeersLimit; the two-step shape is kept because
// it's what spec.md specifies, and a future relaxation of the hard cap
// only has to change one constant.
func effectiveLimit(pw PeersWanted) int {
	l := pw.limit()
	if l < TorrentPeersLimit {
		l = TorrentPeersLimit
	}
	if l > TorrentPeersLimit {
		l = TorrentPeersLimit
	}
	return l
}

// AnnounceData is the response payload of an announce (spec.md §3).
type AnnounceData struct {
	Peers  []bittorrent.Peer
	Stats  storage.SwarmMetadata
	Policy AnnouncePolicy
}

// ScrapeData is the response payload of a scrape (spec.md §3): one
// SwarmMetadata per requested info-hash, zeroed where authorization
// denied detail or the info-hash is unknown.
type ScrapeData map[bittorrent.InfoHash]storage.SwarmMetadata

// AddKeyRequest describes a caller's intent to add a key to the Key Store
// (spec.md §4.1/§4.5): either a specific key value or, when Key is nil, a
// request to generate one; either a specific lifetime in seconds or,
// when SecondsValid is nil, a permanent key.
type AddKeyRequest struct {
	Key          *bittorrent.Key
	SecondsValid *int64
}

// DurationOverflowError is returned by AddPeerKey when now + SecondsValid
// would overflow the clock's time representation.
type DurationOverflowError struct {
	SecondsValid int64
}

func (e DurationOverflowError) Error() string {
	return fmt.Sprintf("tracker: %d seconds from now overflows the clock", e.SecondsValid)
}

// Tracker is the Tracker Facade. All methods are safe for concurrent use.
type Tracker struct {
	cfg       Config
	peerStore storage.PeerStore
	persist   persistence.Store
	clock     clock.Clock
	keys      *auth.KeyStore
	whitelist *whitelist.Whitelist
	stats     *stats.Collector
}

var _ stop.Stopper = &Tracker{}

// New constructs a Tracker. It does not load persisted keys, whitelist
// entries, or torrent aggregates — call LoadKeysFromDatabase,
// LoadWhitelistFromDatabase, and LoadTorrentsFromDatabase once the
// persistence adapter is ready, the way cmd/tracker does at startup.
//
// statsCollector may be nil, matching spec.md §4.9's "if no sender is
// configured (disabled), it is a silent no-op".
func New(cfg Config, peerStore storage.PeerStore, persist persistence.Store, clk clock.Clock, statsCollector *stats.Collector) *Tracker {
	cfg = cfg.Validate()

	return &Tracker{
		cfg:       cfg,
		peerStore: peerStore,
		persist:   persist,
		clock:     clk,
		keys:      auth.New(persist, clk),
		whitelist: whitelist.New(persist),
		stats:     statsCollector,
	}
}

// IsPublic reports whether the tracker is in public mode.
func (t *Tracker) IsPublic() bool { return !t.cfg.Private }

// IsPrivate reports whether the tracker is in private mode.
func (t *Tracker) IsPrivate() bool { return t.cfg.Private }

// IsListed reports whether the tracker is in listed mode.
func (t *Tracker) IsListed() bool { return t.cfg.Listed }

// RequiresAuthentication reports whether Authenticate does real work.
func (t *Tracker) RequiresAuthentication() bool { return t.IsPrivate() }

// assignIPAddressToPeer is the pure IP Assignment function (spec.md
// §4.7): loopback clients are redirected to the configured external IP,
// everyone else is left alone.
func assignIPAddressToPeer(remoteClientIP net.IP, externalIP net.IP) net.IP {
	if externalIP != nil && remoteClientIP.IsLoopback() {
		return externalIP
	}
	return remoteClientIP
}

// Announce handles an announce request (spec.md §4.2). peer is mutated in
// place: its IP is overwritten per the IP Assignment rule before it is
// upserted into the swarm, so the caller observes the effective IP.
//
// Announce never fails in public mode; it is the host's responsibility to
// call Authenticate and (for listed-mode) Authorize before calling
// Announce.
func (t *Tracker) Announce(ih bittorrent.InfoHash, peer *bittorrent.Peer, remoteClientIP net.IP, peersWanted PeersWanted) AnnounceData {
	peer.IP = assignIPAddressToPeer(remoteClientIP, t.cfg.Net.ExternalIP)

	cutoff := t.activeCutoff()
	statsBefore, _ := t.peerStore.GetSwarmMetadata(ih, cutoff)

	if err := t.peerStore.UpsertPeer(ih, *peer); err != nil {
		log.Error("tracker: failed to upsert peer", log.Err(err))
	}

	statsAfter, _ := t.peerStore.GetSwarmMetadata(ih, cutoff)

	if statsBefore != statsAfter {
		t.persistStats(ih, statsAfter)
	}

	limit := effectiveLimit(peersWanted)
	peers, err := t.peerStore.GetPeersForClient(ih, *peer, peer.Seeder(), limit)
	if err != nil {
		log.Error("tracker: failed to list peers for client", log.Err(err))
		peers = nil
	}

	t.recordStatsEvent("announce")

	log.Debug("tracker: generated announce response", log.Fields{"infoHash": ih.String(), "peers": len(peers)})

	return AnnounceData{
		Peers:  peers,
		Stats:  statsAfter,
		Policy: t.cfg.AnnouncePolicy,
	}
}

func (t *Tracker) persistStats(ih bittorrent.InfoHash, metadata storage.SwarmMetadata) {
	if !t.cfg.TrackerPolicy.PersistentTorrentCompletedStat {
		return
	}

	if err := t.persist.SavePersistentTorrent(ih, metadata.Downloaded); err != nil {
		log.Error("tracker: failed to persist torrent stat", log.Err(err))
	}
}

// Scrape handles a scrape request (spec.md §4.3): attaches SwarmMetadata
// for each info-hash the caller is authorized to see, and a zeroed
// SwarmMetadata otherwise. Unknown info-hashes are not an error.
func (t *Tracker) Scrape(infoHashes []bittorrent.InfoHash) ScrapeData {
	data := make(ScrapeData, len(infoHashes))
	cutoff := t.activeCutoff()

	for _, ih := range infoHashes {
		if err := t.Authorize(ih); err != nil {
			data[ih] = storage.SwarmMetadata{}
			continue
		}

		metadata, ok := t.peerStore.GetSwarmMetadata(ih, cutoff)
		if !ok {
			metadata = storage.SwarmMetadata{}
		}
		data[ih] = metadata
	}

	t.recordStatsEvent("scrape")

	log.Debug("tracker: generated scrape response", log.Fields{"infoHashes": len(infoHashes)})

	return data
}

func (t *Tracker) recordStatsEvent(kind string) {
	if t.stats == nil {
		return
	}

	k := stats.Announce
	if kind == "scrape" {
		k = stats.Scrape
	}

	// Transport is unknown at this layer (spec.md §4.9 tags events by
	// transport, which only the host, not the core, knows), so this event
	// is always recorded as "unknown"; a host that knows the transport
	// posts its own, separate event through SendStatsEvent. A send failure
	// here only logs, since Announce/Scrape themselves never
	// fail on account of the Statistics Sink.
	if err := t.stats.Record(stats.Event{Transport: "unknown", Kind: k}); err != nil {
		log.Warn("tracker: failed to record stats event", log.Err(err))
	}
}

// SendStatsEvent posts a transport-tagged event to the Statistics Sink
// (spec.md §4.9), returning the Sink's send failure (e.g. stats.ErrStopped)
// to the caller rather than swallowing it. It is a silent no-op success if
// no collector was configured.
func (t *Tracker) SendStatsEvent(transport string, kind stats.Kind) error {
	if t.stats == nil {
		return nil
	}
	return t.stats.Record(stats.Event{Transport: transport, Kind: kind})
}

// GetStats returns a snapshot of events recorded so far, keyed by
// transport then kind. It returns an empty map if no collector was
// configured.
func (t *Tracker) GetStats() map[string]map[stats.Kind]uint64 {
	if t.stats == nil {
		return map[string]map[stats.Kind]uint64{}
	}
	return t.stats.Counts()
}

// Authenticate verifies key against the Key Store (spec.md §4.1/§4.5). It
// is a no-op success in public mode.
func (t *Tracker) Authenticate(key bittorrent.Key) error {
	if !t.IsPrivate() {
		return nil
	}
	return t.keys.Verify(key, t.cfg.checkKeysExpiration())
}

// Authorize checks ih against the Whitelist (spec.md §4.1/§4.6). It is a
// no-op success when the tracker is not in listed mode.
func (t *Tracker) Authorize(ih bittorrent.InfoHash) error {
	if !t.IsListed() {
		return nil
	}
	return t.whitelist.Authorize(ih)
}

// GenerateAuthKey creates and persists a fresh key, valid for
// secondsValid seconds from now, or forever if secondsValid is nil.
func (t *Tracker) GenerateAuthKey(secondsValid *int64) (bittorrent.PeerKey, error) {
	validUntil, err := t.validUntilFromSeconds(secondsValid)
	if err != nil {
		return bittorrent.PeerKey{}, err
	}
	return t.keys.Generate(validUntil)
}

// AddAuthKey persists a pre-generated key, valid until validUntil (nil
// for permanent).
func (t *Tracker) AddAuthKey(key bittorrent.Key, validUntil *int64) (bittorrent.PeerKey, error) {
	peerKey := bittorrent.PeerKey{Key: key, ValidUntil: validUntil}
	if err := t.keys.Add(peerKey); err != nil {
		return bittorrent.PeerKey{}, err
	}
	return peerKey, nil
}

// AddPeerKey dispatches an AddKeyRequest per spec.md §4.5's four cases: a
// supplied key is added as-is, the absence of a key generates a fresh one,
// crossed with an expiry converted from SecondsValid or a permanent key.
// The dispatch itself lives in auth.KeyStore.AddPeerKey; this method's own
// job is converting the facade's relative SecondsValid into the absolute
// ValidUntil the Key Store deals in.
func (t *Tracker) AddPeerKey(req AddKeyRequest) (bittorrent.PeerKey, error) {
	validUntil, err := t.validUntilFromSeconds(req.SecondsValid)
	if err != nil {
		return bittorrent.PeerKey{}, err
	}

	return t.keys.AddPeerKey(auth.AddKeyRequest{Key: req.Key, ValidUntil: validUntil})
}

// validUntilFromSeconds converts a relative lifetime into an absolute
// expiry, failing with DurationOverflowError rather than wrapping per
// spec.md §4.5's "if now + s overflows, fail DurationOverflow{s}".
func (t *Tracker) validUntilFromSeconds(secondsValid *int64) (*int64, error) {
	if secondsValid == nil {
		return nil, nil
	}

	now := t.clock.Now()
	if *secondsValid > math.MaxInt64-now {
		return nil, DurationOverflowError{SecondsValid: *secondsValid}
	}

	validUntil := now + *secondsValid
	return &validUntil, nil
}

// RemoveAuthKey deletes key from the Key Store.
func (t *Tracker) RemoveAuthKey(key bittorrent.Key) error {
	return t.keys.Remove(key)
}

// LoadKeysFromDatabase reconciles the Key Store's in-memory set against
// the Persistence Port.
func (t *Tracker) LoadKeysFromDatabase() error {
	return t.keys.LoadFromDatabase()
}

// AddTorrentToWhitelist whitelists ih.
func (t *Tracker) AddTorrentToWhitelist(ih bittorrent.InfoHash) error {
	return t.whitelist.Add(ih)
}

// RemoveTorrentFromWhitelist un-whitelists ih.
func (t *Tracker) RemoveTorrentFromWhitelist(ih bittorrent.InfoHash) error {
	return t.whitelist.Remove(ih)
}

// IsInfoHashWhitelisted reports whether ih is currently whitelisted.
func (t *Tracker) IsInfoHashWhitelisted(ih bittorrent.InfoHash) bool {
	return t.whitelist.IsListed(ih)
}

// LoadWhitelistFromDatabase reconciles the Whitelist's in-memory set
// against the Persistence Port.
func (t *Tracker) LoadWhitelistFromDatabase() error {
	return t.whitelist.LoadFromDatabase()
}

// activeCutoff returns the earliest Updated timestamp (inclusive) a peer
// must have to still count as active right now, per spec.md's
// "updated >= now - max_peer_timeout" definition of complete/incomplete.
// It never goes negative.
func (t *Tracker) activeCutoff() int64 {
	cutoff := t.clock.Now() - t.cfg.TrackerPolicy.MaxPeerTimeout
	if cutoff < 0 {
		cutoff = 0
	}
	return cutoff
}

// CleanupTorrents runs one cleanup sweep (spec.md §4.8): evicts peers
// inactive since before cutoff, then, if configured, removes any torrent
// left with no peers. The host schedules calls to this method; the core
// never schedules its own.
func (t *Tracker) CleanupTorrents() {
	t.peerStore.RemoveInactivePeers(t.activeCutoff())

	if t.cfg.TrackerPolicy.RemovePeerlessTorrents {
		t.peerStore.RemovePeerlessTorrents(func(ih bittorrent.InfoHash, downloaded uint32) {
			t.persistStats(ih, storage.SwarmMetadata{Downloaded: downloaded})
		})
	}
}

// GetTorrentsMetrics returns a global roll-up of every tracked swarm,
// counting only peers active as of now.
func (t *Tracker) GetTorrentsMetrics() storage.TorrentsMetrics {
	return t.peerStore.GetMetrics(t.activeCutoff())
}

// GetTorrentPeers returns up to TorrentPeersLimit peers for ih, with no
// exclusion.
func (t *Tracker) GetTorrentPeers(ih bittorrent.InfoHash) []bittorrent.Peer {
	peers, err := t.peerStore.GetPeers(ih, TorrentPeersLimit)
	if err != nil {
		log.Error("tracker: failed to list torrent peers", log.Err(err))
		return nil
	}
	return peers
}

// LoadTorrentsFromDatabase restores Downloaded counters (never peers)
// from the Persistence Port.
func (t *Tracker) LoadTorrentsFromDatabase() error {
	records, err := t.persist.LoadPersistentTorrents()
	if err != nil {
		return err
	}
	t.peerStore.ImportPersistent(records)
	return nil
}

// Stop implements stop.Stopper, stopping the stats collector's consumer
// goroutine the way middleware.Logic.Stop() aggregates stoppable hooks
// into a stop.Group.
func (t *Tracker) Stop() <-chan error {
	if t.stats == nil {
		return stop.AlreadyStopped
	}
	return t.stats.Stop()
}
