// Package sql implements the Persistence Port on top of gorm, supporting
// both sqlite and postgres, mirroring the teacher's storage/database
// driver split but generalized from per-peer rows to the torrent/
// whitelist/key aggregates the Persistence Port actually persists.
package sql

import (
	"encoding/hex"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/log"
	"github.com/torrust/tracker-core/storage"
	"github.com/torrust/tracker-core/storage/persistence"
)

// Name identifies this adapter in logs.
const Name = "sql"

const defaultDsn = "data/tracker.sqlite"

// Config holds the configuration of a sql-backed Store.
type Config struct {
	// Dialect selects the gorm driver: "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`
	Dsn     string `yaml:"dsn"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":    Name,
		"dialect": cfg.Dialect,
		"dsn":     cfg.Dsn,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid, warning to the
// logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dialect == "" {
		validcfg.Dialect = "sqlite"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Dialect",
			"provided": cfg.Dialect,
			"default":  validcfg.Dialect,
		})
	}

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".Dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
		})
	}

	return validcfg
}

type torrentRow struct {
	InfoHash   string `gorm:"primaryKey;column:info_hash"`
	Downloaded uint32
	UpdatedAt  time.Time
}

func (torrentRow) TableName() string { return "torrents" }

type whitelistRow struct {
	InfoHash string `gorm:"primaryKey;column:info_hash"`
}

func (whitelistRow) TableName() string { return "whitelist" }

type keyRow struct {
	Key        string `gorm:"primaryKey;column:key"`
	ValidUntil *int64 `gorm:"column:valid_until"`
}

func (keyRow) TableName() string { return "peer_keys" }

// Store is the gorm-backed Persistence Port adapter.
type Store struct {
	cfg Config
	db  *gorm.DB
}

var _ persistence.Store = &Store{}

// NewSqlite opens a Store backed by an sqlite database at provided.Dsn.
func NewSqlite(provided Config) (*Store, error) {
	cfg := provided.Validate()
	db, err := gorm.Open(sqlite.Open(cfg.Dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return newStore(cfg, db)
}

// NewPostgres opens a Store backed by a postgres database at provided.Dsn.
func NewPostgres(provided Config) (*Store, error) {
	cfg := provided.Validate()
	db, err := gorm.Open(postgres.Open(cfg.Dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return newStore(cfg, db)
}

func newStore(cfg Config, db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&torrentRow{}, &whitelistRow{}, &keyRow{}); err != nil {
		return nil, err
	}

	return &Store{cfg: cfg, db: db}, nil
}

// LoadPersistentTorrents implements persistence.Store.
func (s *Store) LoadPersistentTorrents() ([]storage.TorrentRecord, error) {
	var rows []torrentRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]storage.TorrentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, storage.TorrentRecord{
			InfoHash:   bittorrent.InfoHashFromString(mustDecodeHex(row.InfoHash)),
			Downloaded: row.Downloaded,
		})
	}
	return records, nil
}

// SavePersistentTorrent implements persistence.Store.
func (s *Store) SavePersistentTorrent(ih bittorrent.InfoHash, downloaded uint32) error {
	row := torrentRow{InfoHash: ih.String(), Downloaded: downloaded, UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadWhitelist implements persistence.Store.
func (s *Store) LoadWhitelist() ([]bittorrent.InfoHash, error) {
	var rows []whitelistRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	hashes := make([]bittorrent.InfoHash, 0, len(rows))
	for _, row := range rows {
		hashes = append(hashes, bittorrent.InfoHashFromString(mustDecodeHex(row.InfoHash)))
	}
	return hashes, nil
}

// WhitelistInfoHash implements persistence.Store.
func (s *Store) WhitelistInfoHash(ih bittorrent.InfoHash) error {
	row := whitelistRow{InfoHash: ih.String()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// UnwhitelistInfoHash implements persistence.Store.
func (s *Store) UnwhitelistInfoHash(ih bittorrent.InfoHash) error {
	return s.db.Delete(&whitelistRow{}, "info_hash = ?", ih.String()).Error
}

// IsInfoHashWhitelisted implements persistence.Store.
func (s *Store) IsInfoHashWhitelisted(ih bittorrent.InfoHash) (bool, error) {
	var count int64
	if err := s.db.Model(&whitelistRow{}).Where("info_hash = ?", ih.String()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// LoadKeys implements persistence.Store.
func (s *Store) LoadKeys() ([]bittorrent.PeerKey, error) {
	var rows []keyRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}

	keys := make([]bittorrent.PeerKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, bittorrent.PeerKey{Key: bittorrent.Key(row.Key), ValidUntil: row.ValidUntil})
	}
	return keys, nil
}

// AddKey implements persistence.Store.
func (s *Store) AddKey(key bittorrent.PeerKey) error {
	row := keyRow{Key: string(key.Key), ValidUntil: key.ValidUntil}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// RemoveKey implements persistence.Store.
func (s *Store) RemoveKey(key bittorrent.Key) error {
	return s.db.Delete(&keyRow{}, "key = ?", string(key)).Error
}

// DropDatabaseTables implements persistence.Store.
func (s *Store) DropDatabaseTables() error {
	return s.db.Migrator().DropTable(&torrentRow{}, &whitelistRow{}, &keyRow{})
}

// LogFields implements log.Fielder.
func (s *Store) LogFields() log.Fields {
	return s.cfg.LogFields()
}

func mustDecodeHex(s string) string {
	// InfoHash.String() is lowercase hex; InfoHashFromString expects the
	// raw 20-byte form, so round-trip through hex.DecodeString.
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("sql: corrupt info_hash column: " + err.Error())
	}
	return string(b)
}
