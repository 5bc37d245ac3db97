package redis

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrust/tracker-core/bittorrent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return New(Config{Addr: mr.Addr(), Prefix: "test:"})
}

func TestSaveAndLoadPersistentTorrent(t *testing.T) {
	s := newTestStore(t)
	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, s.SavePersistentTorrent(ih, 7))

	records, err := s.LoadPersistentTorrents()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ih, records[0].InfoHash)
	assert.EqualValues(t, 7, records[0].Downloaded)
}

func TestWhitelistRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

	listed, err := s.IsInfoHashWhitelisted(ih)
	require.NoError(t, err)
	assert.False(t, listed)

	require.NoError(t, s.WhitelistInfoHash(ih))

	listed, err = s.IsInfoHashWhitelisted(ih)
	require.NoError(t, err)
	assert.True(t, listed)

	hashes, err := s.LoadWhitelist()
	require.NoError(t, err)
	assert.Equal(t, []bittorrent.InfoHash{ih}, hashes)

	require.NoError(t, s.UnwhitelistInfoHash(ih))

	listed, err = s.IsInfoHashWhitelisted(ih)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestKeyStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	validUntil := int64(12345)
	key := bittorrent.PeerKey{Key: "abcdefghijklmnopqrstuvwxyzABCDEF", ValidUntil: &validUntil}

	require.NoError(t, s.AddKey(key))

	keys, err := s.LoadKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.Key, keys[0].Key)
	require.NotNil(t, keys[0].ValidUntil)
	assert.Equal(t, validUntil, *keys[0].ValidUntil)

	require.NoError(t, s.RemoveKey(key.Key))

	keys, err = s.LoadKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDropDatabaseTables(t *testing.T) {
	s := newTestStore(t)
	ih := bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa")

	require.NoError(t, s.SavePersistentTorrent(ih, 1))
	require.NoError(t, s.WhitelistInfoHash(ih))
	require.NoError(t, s.AddKey(bittorrent.PeerKey{Key: "abcdefghijklmnopqrstuvwxyzABCDEF"}))

	require.NoError(t, s.DropDatabaseTables())

	torrents, err := s.LoadPersistentTorrents()
	require.NoError(t, err)
	assert.Empty(t, torrents)

	listed, err := s.IsInfoHashWhitelisted(ih)
	require.NoError(t, err)
	assert.False(t, listed)

	keys, err := s.LoadKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
