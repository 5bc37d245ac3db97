package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/storage"
	"github.com/torrust/tracker-core/storage/persistence"
)

type fakeStore struct {
	listed map[bittorrent.InfoHash]struct{}
}

var _ persistence.Store = &fakeStore{}

func newFakeStore() *fakeStore {
	return &fakeStore{listed: make(map[bittorrent.InfoHash]struct{})}
}

func (f *fakeStore) LoadPersistentTorrents() ([]storage.TorrentRecord, error) { return nil, nil }
func (f *fakeStore) SavePersistentTorrent(bittorrent.InfoHash, uint32) error  { return nil }
func (f *fakeStore) LoadKeys() ([]bittorrent.PeerKey, error)                 { return nil, nil }
func (f *fakeStore) AddKey(bittorrent.PeerKey) error                         { return nil }
func (f *fakeStore) RemoveKey(bittorrent.Key) error                          { return nil }
func (f *fakeStore) DropDatabaseTables() error                               { return nil }

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

var mockInfoHash = bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

func TestAddAndIsListed(t *testing.T) {
	w := New(newFakeStore())

	assert.False(t, w.IsListed(mockInfoHash))

	require.NoError(t, w.Add(mockInfoHash))
	assert.True(t, w.IsListed(mockInfoHash))
}

func TestRemove(t *testing.T) {
	w := New(newFakeStore())
	require.NoError(t, w.Add(mockInfoHash))

	require.NoError(t, w.Remove(mockInfoHash))
	assert.False(t, w.IsListed(mockInfoHash))
}

func TestAuthorize(t *testing.T) {
	w := New(newFakeStore())

	assert.Equal(t, ErrTorrentUnapproved, w.Authorize(mockInfoHash))

	require.NoError(t, w.Add(mockInfoHash))
	assert.NoError(t, w.Authorize(mockInfoHash))
}

func TestLoadFromDatabase(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.WhitelistInfoHash(mockInfoHash))

	w := New(store)
	require.NoError(t, w.LoadFromDatabase())

	assert.True(t, w.IsListed(mockInfoHash))
}
