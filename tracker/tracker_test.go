package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/clock"
	"github.com/torrust/tracker-core/storage"
	"github.com/torrust/tracker-core/storage/memory"
	"github.com/torrust/tracker-core/storage/persistence"
)

// fakeStore is the same shape of persistence.Store double used across
// auth's and whitelist's own tests, plus a torrents map so LoadTorrents/
// persistStats round-trips are observable.
type fakeStore struct {
	torrents map[bittorrent.InfoHash]uint32
	listed   map[bittorrent.InfoHash]struct{}
	keys     map[bittorrent.Key]bittorrent.PeerKey
}

var _ persistence.Store = &fakeStore{}

func newFakeStore() *fakeStore {
	return &fakeStore{
		torrents: make(map[bittorrent.InfoHash]uint32),
		listed:   make(map[bittorrent.InfoHash]struct{}),
		keys:     make(map[bittorrent.Key]bittorrent.PeerKey),
	}
}

func (f *fakeStore) LoadPersistentTorrents() ([]storage.TorrentRecord, error) {
	records := make([]storage.TorrentRecord, 0, len(f.torrents))
	for ih, downloaded := range f.torrents {
		records = append(records, storage.TorrentRecord{InfoHash: ih, Downloaded: downloaded})
	}
	return records, nil
}

func (f *fakeStore) SavePersistentTorrent(ih bittorrent.InfoHash, downloaded uint32) error {
	f.torrents[ih] = downloaded
	return nil
}

func (f *fakeStore) LoadWhitelist() ([]bittorrent.InfoHash, error) {
	hashes := make([]bittorrent.InfoHash, 0, len(f.listed))
	for ih := range f.listed {
		hashes = append(hashes, ih)
	}
	return hashes, nil
}

func (f *fakeStore) WhitelistInfoHash(ih bittorrent.InfoHash) error {
	f.listed[ih] = struct{}{}
	return nil
}

func (f *fakeStore) UnwhitelistInfoHash(ih bittorrent.InfoHash) error {
	delete(f.listed, ih)
	return nil
}

func (f *fakeStore) IsInfoHashWhitelisted(ih bittorrent.InfoHash) (bool, error) {
	_, ok := f.listed[ih]
	return ok, nil
}

func (f *fakeStore) LoadKeys() ([]bittorrent.PeerKey, error) {
	keys := make([]bittorrent.PeerKey, 0, len(f.keys))
	for _, k := range f.keys {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeStore) AddKey(key bittorrent.PeerKey) error {
	f.keys[key.Key] = key
	return nil
}

func (f *fakeStore) RemoveKey(key bittorrent.Key) error {
	delete(f.keys, key)
	return nil
}

func (f *fakeStore) DropDatabaseTables() error {
	f.torrents = make(map[bittorrent.InfoHash]uint32)
	f.listed = make(map[bittorrent.InfoHash]struct{})
	f.keys = make(map[bittorrent.Key]bittorrent.PeerKey)
	return nil
}

var mockInfoHash = bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

func newTestTracker(cfg Config) (*Tracker, *fakeStore, *clock.Mock) {
	store := newFakeStore()
	clk := clock.NewMock(1000)
	peerStore := memory.New(memory.Config{})
	tr := New(cfg, peerStore, store, clk, nil)
	return tr, store, clk
}

func samplePeer() bittorrent.Peer {
	return bittorrent.Peer{
		ID:    bittorrent.PeerIDFromString("-TEST01-aaaaaaaaaaaa"),
		IP:    net.ParseIP("10.0.0.1"),
		Port:  6881,
		Event: bittorrent.Started,
		Left:  1,
	}
}

func TestAnnounceAssignsExternalIPForLoopback(t *testing.T) {
	externalIP := net.ParseIP("203.0.113.9")
	tr, _, _ := newTestTracker(Config{Net: NetConfig{ExternalIP: externalIP}})

	peer := samplePeer()
	peer.IP = net.ParseIP("127.0.0.1")

	tr.Announce(mockInfoHash, &peer, net.ParseIP("127.0.0.1"), PeersWantedAll())

	assert.True(t, externalIP.Equal(peer.IP))
}

func TestAnnounceLeavesNonLoopbackIPAlone(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Net: NetConfig{ExternalIP: net.ParseIP("203.0.113.9")}})

	peer := samplePeer()
	remote := net.ParseIP("198.51.100.2")

	tr.Announce(mockInfoHash, &peer, remote, PeersWantedAll())

	assert.True(t, remote.Equal(peer.IP))
}

func TestAnnounceFirstSightingCompletedDoesNotIncrementDownloaded(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})

	peer := samplePeer()
	peer.Event = bittorrent.Completed
	peer.Left = 0

	data := tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	assert.Equal(t, uint32(0), data.Stats.Downloaded)
}

func TestAnnounceSubsequentCompletedIncrementsDownloaded(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})

	peer := samplePeer()
	tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	peer.Event = bittorrent.Completed
	peer.Left = 0
	data := tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	assert.Equal(t, uint32(1), data.Stats.Downloaded)
}

func TestAnnouncePersistsStatWhenConfigured(t *testing.T) {
	tr, store, _ := newTestTracker(Config{TrackerPolicy: TrackerPolicy{PersistentTorrentCompletedStat: true}})

	peer := samplePeer()
	tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	assert.Contains(t, store.torrents, mockInfoHash)
}

func TestAnnounceExcludesSelf(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})

	other := samplePeer()
	other.IP = net.ParseIP("10.0.0.2")
	tr.Announce(mockInfoHash, &other, other.IP, PeersWantedAll())

	self := samplePeer()
	data := tr.Announce(mockInfoHash, &self, self.IP, PeersWantedAll())

	require.Len(t, data.Peers, 1)
	assert.True(t, data.Peers[0].EqualEndpoint(other))
	for _, p := range data.Peers {
		assert.False(t, p.EqualEndpoint(self))
	}
}

func TestScrapeUnknownInfoHashIsZeroed(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})

	data := tr.Scrape([]bittorrent.InfoHash{mockInfoHash})
	assert.Equal(t, storage.SwarmMetadata{}, data[mockInfoHash])
}

func TestScrapeDeniesDetailWhenNotWhitelisted(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Listed: true})

	peer := samplePeer()
	tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	data := tr.Scrape([]bittorrent.InfoHash{mockInfoHash})
	assert.Equal(t, storage.SwarmMetadata{}, data[mockInfoHash])
}

func TestScrapeGrantsDetailWhenWhitelisted(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Listed: true})

	peer := samplePeer()
	tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	require.NoError(t, tr.AddTorrentToWhitelist(mockInfoHash))

	data := tr.Scrape([]bittorrent.InfoHash{mockInfoHash})
	assert.Equal(t, uint32(1), data[mockInfoHash].Incomplete)
}

func TestAuthenticatePublicModeAlwaysOk(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})
	assert.NoError(t, tr.Authenticate(bittorrent.Key("whatever-this-is-not-validated-x")))
}

func TestAuthenticatePrivateModeRejectsUnknownKey(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Private: true})
	key, err := bittorrent.NewKey("abcdefghijklmnopqrstuvwxyzABCDEF")
	require.NoError(t, err)

	assert.Error(t, tr.Authenticate(key))
}

func TestAuthenticatePrivateModeAcceptsGeneratedKey(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Private: true})

	peerKey, err := tr.GenerateAuthKey(nil)
	require.NoError(t, err)

	assert.NoError(t, tr.Authenticate(peerKey.Key))
}

func TestGenerateAuthKeyOverflow(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Private: true})

	huge := int64(1<<63 - 1)
	_, err := tr.GenerateAuthKey(&huge)
	assert.IsType(t, DurationOverflowError{}, err)
}

func TestAuthorizeNotListedAlwaysOk(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})
	assert.NoError(t, tr.Authorize(mockInfoHash))
}

func TestAuthorizeListedRejectsUnlisted(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Listed: true})
	assert.Error(t, tr.Authorize(mockInfoHash))
}

func TestCleanupTorrentsRemovesInactivePeers(t *testing.T) {
	tr, _, clk := newTestTracker(Config{TrackerPolicy: TrackerPolicy{MaxPeerTimeout: 60}})

	peer := samplePeer()
	peer.Updated = clk.Now()
	tr.Announce(mockInfoHash, &peer, peer.IP, PeersWantedAll())

	clk.Advance(2 * time.Hour) // far enough that everything is stale
	tr.CleanupTorrents()

	metrics := tr.GetTorrentsMetrics()
	assert.Equal(t, uint64(0), metrics.Incomplete)
}

func TestLoadTorrentsFromDatabaseRestoresDownloadedOnly(t *testing.T) {
	tr, store, _ := newTestTracker(Config{})
	require.NoError(t, store.SavePersistentTorrent(mockInfoHash, 5))

	require.NoError(t, tr.LoadTorrentsFromDatabase())

	metadata, ok := getSwarmMetadataForTest(tr, mockInfoHash)
	require.True(t, ok)
	assert.Equal(t, uint32(5), metadata.Downloaded)
	assert.Equal(t, uint32(0), metadata.Complete+metadata.Incomplete)
}

func getSwarmMetadataForTest(tr *Tracker, ih bittorrent.InfoHash) (storage.SwarmMetadata, bool) {
	return tr.peerStore.GetSwarmMetadata(ih, 0)
}

func TestAddPeerKeyGeneratesWhenNoKeySupplied(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Private: true})

	peerKey, err := tr.AddPeerKey(AddKeyRequest{})
	require.NoError(t, err)
	assert.NoError(t, tr.Authenticate(peerKey.Key))
}

func TestAddPeerKeyUsesSuppliedKeyWithExpiry(t *testing.T) {
	tr, _, clk := newTestTracker(Config{Private: true})

	key, err := bittorrent.NewKey("abcdefghijklmnopqrstuvwxyzABCDEF")
	require.NoError(t, err)

	seconds := int64(10)
	peerKey, err := tr.AddPeerKey(AddKeyRequest{Key: &key, SecondsValid: &seconds})
	require.NoError(t, err)
	assert.Equal(t, key, peerKey.Key)

	assert.NoError(t, tr.Authenticate(key))

	clk.Advance(time.Hour)
	assert.Error(t, tr.Authenticate(key))
}

func TestAddAuthKeyPersistsSuppliedKey(t *testing.T) {
	tr, _, clk := newTestTracker(Config{Private: true})

	key, err := bittorrent.NewKey("abcdefghijklmnopqrstuvwxyzABCDEF")
	require.NoError(t, err)

	validUntil := clk.Now() + 10
	peerKey, err := tr.AddAuthKey(key, &validUntil)
	require.NoError(t, err)
	assert.Equal(t, key, peerKey.Key)

	assert.NoError(t, tr.Authenticate(key))

	clk.Advance(time.Hour)
	assert.Error(t, tr.Authenticate(key))
}

func TestRemoveAuthKey(t *testing.T) {
	tr, _, _ := newTestTracker(Config{Private: true})

	peerKey, err := tr.GenerateAuthKey(nil)
	require.NoError(t, err)
	require.NoError(t, tr.RemoveAuthKey(peerKey.Key))

	assert.Error(t, tr.Authenticate(peerKey.Key))
}

func TestGetStatsWithoutCollectorIsEmpty(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})
	assert.Empty(t, tr.GetStats())
}

func TestStopWithoutCollectorClosesImmediately(t *testing.T) {
	tr, _, _ := newTestTracker(Config{})
	select {
	case <-tr.Stop():
	default:
		t.Fatal("Stop() did not return an already-closed channel")
	}
}
