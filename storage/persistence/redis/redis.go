// Package redis implements the Persistence Port on top of a redigo
// connection pool, mirroring the teacher's storage/redis package: the
// whitelist is a Redis set, torrents and keys are JSON-formatted strings
// under a prefixed key ("torrent:<infohash>", "key:<key>", generalizing
// the teacher's "user:<passkey>" convention).
package redis

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	"github.com/gomodule/redigo/redis"

	"github.com/torrust/tracker-core/bittorrent"
	"github.com/torrust/tracker-core/pkg/log"
	"github.com/torrust/tracker-core/storage"
	"github.com/torrust/tracker-core/storage/persistence"
)

// Name identifies this adapter in logs.
const Name = "redis"

const whitelistKey = "whitelist"

// Config holds the configuration of a redis-backed Store.
type Config struct {
	Network     string        `yaml:"network"`
	Addr        string        `yaml:"addr"`
	Prefix      string        `yaml:"prefix"`
	MaxIdleConn int           `yaml:"max_idle_conn"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":    Name,
		"network": cfg.Network,
		"addr":    cfg.Addr,
		"prefix":  cfg.Prefix,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid, warning to the
// logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Network == "" {
		validcfg.Network = "tcp"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Network",
			"provided": cfg.Network,
			"default":  validcfg.Network,
		})
	}

	if cfg.Addr == "" {
		validcfg.Addr = "127.0.0.1:6379"
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.MaxIdleConn <= 0 {
		validcfg.MaxIdleConn = 8
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".MaxIdleConn",
			"provided": cfg.MaxIdleConn,
			"default":  validcfg.MaxIdleConn,
		})
	}

	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = 5 * time.Minute
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".IdleTimeout",
			"provided": cfg.IdleTimeout,
			"default":  validcfg.IdleTimeout,
		})
	}

	return validcfg
}

// Store is the redigo-backed Persistence Port adapter.
type Store struct {
	cfg  Config
	pool *redis.Pool
	rs   *redsync.Redsync
}

var _ persistence.Store = &Store{}

// New opens a Store against a Redis instance described by provided.
func New(provided Config) *Store {
	cfg := provided.Validate()

	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdleConn,
		IdleTimeout: cfg.IdleTimeout,
		Dial:        dialFunc(cfg),
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	return &Store{
		cfg:  cfg,
		pool: pool,
		rs:   redsync.New(redsyncredigo.NewPool(pool)),
	}
}

func dialFunc(cfg Config) func() (redis.Conn, error) {
	return func() (redis.Conn, error) {
		if cfg.ConnTimeout > 0 {
			return redis.DialTimeout(cfg.Network, cfg.Addr, cfg.ConnTimeout, cfg.ConnTimeout, cfg.ConnTimeout)
		}
		return redis.Dial(cfg.Network, cfg.Addr)
	}
}

func (s *Store) key(parts ...string) string {
	key := s.cfg.Prefix
	for _, p := range parts {
		key += p
	}
	return key
}

type torrentDoc struct {
	Downloaded uint32 `json:"downloaded"`
}

type keyDoc struct {
	ValidUntil *int64 `json:"valid_until,omitempty"`
}

// LoadPersistentTorrents implements persistence.Store.
//
// Unlike the SQL adapter, Redis keeps no index of torrent keys other than
// the keys themselves, so this reconciliation takes a redsync distributed
// lock (as LoadKeys does, under its own lock name), serializing concurrent
// loads across tracker processes sharing one Redis. Writers such as
// SavePersistentTorrent do not take the lock.
func (s *Store) LoadPersistentTorrents() ([]storage.TorrentRecord, error) {
	mutex := s.rs.NewMutex(s.key("lock:torrents"))
	if err := mutex.Lock(); err != nil {
		return nil, err
	}
	defer mutex.Unlock()

	conn := s.pool.Get()
	defer conn.Close()

	keys, err := s.scanKeys(conn, s.key("torrent:*"))
	if err != nil {
		return nil, err
	}

	records := make([]storage.TorrentRecord, 0, len(keys))
	for _, k := range keys {
		raw, err := redis.String(conn.Do("GET", k))
		if err == redis.ErrNil {
			continue
		} else if err != nil {
			return nil, err
		}

		var doc torrentDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}

		ih := bittorrent.InfoHashFromString(mustDecodeHex(k[len(s.key("torrent:")):]))
		records = append(records, storage.TorrentRecord{InfoHash: ih, Downloaded: doc.Downloaded})
	}

	return records, nil
}

// SavePersistentTorrent implements persistence.Store.
func (s *Store) SavePersistentTorrent(ih bittorrent.InfoHash, downloaded uint32) error {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := json.Marshal(torrentDoc{Downloaded: downloaded})
	if err != nil {
		return err
	}

	_, err = conn.Do("SET", s.key("torrent:", ih.String()), raw)
	return err
}

// LoadWhitelist implements persistence.Store.
func (s *Store) LoadWhitelist() ([]bittorrent.InfoHash, error) {
	conn := s.pool.Get()
	defer conn.Close()

	members, err := redis.Strings(conn.Do("SMEMBERS", s.key(whitelistKey)))
	if err != nil {
		return nil, err
	}

	hashes := make([]bittorrent.InfoHash, 0, len(members))
	for _, m := range members {
		hashes = append(hashes, bittorrent.InfoHashFromString(mustDecodeHex(m)))
	}
	return hashes, nil
}

// WhitelistInfoHash implements persistence.Store.
func (s *Store) WhitelistInfoHash(ih bittorrent.InfoHash) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("SADD", s.key(whitelistKey), ih.String())
	return err
}

// UnwhitelistInfoHash implements persistence.Store.
func (s *Store) UnwhitelistInfoHash(ih bittorrent.InfoHash) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("SREM", s.key(whitelistKey), ih.String())
	return err
}

// IsInfoHashWhitelisted implements persistence.Store.
func (s *Store) IsInfoHashWhitelisted(ih bittorrent.InfoHash) (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	return redis.Bool(conn.Do("SISMEMBER", s.key(whitelistKey), ih.String()))
}

// LoadKeys implements persistence.Store.
func (s *Store) LoadKeys() ([]bittorrent.PeerKey, error) {
	mutex := s.rs.NewMutex(s.key("lock:keys"))
	if err := mutex.Lock(); err != nil {
		return nil, err
	}
	defer mutex.Unlock()

	conn := s.pool.Get()
	defer conn.Close()

	redisKeys, err := s.scanKeys(conn, s.key("key:*"))
	if err != nil {
		return nil, err
	}

	keys := make([]bittorrent.PeerKey, 0, len(redisKeys))
	for _, rk := range redisKeys {
		raw, err := redis.String(conn.Do("GET", rk))
		if err == redis.ErrNil {
			continue
		} else if err != nil {
			return nil, err
		}

		var doc keyDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}

		keys = append(keys, bittorrent.PeerKey{
			Key:        bittorrent.Key(rk[len(s.key("key:")):]),
			ValidUntil: doc.ValidUntil,
		})
	}
	return keys, nil
}

// AddKey implements persistence.Store.
func (s *Store) AddKey(key bittorrent.PeerKey) error {
	conn := s.pool.Get()
	defer conn.Close()

	raw, err := json.Marshal(keyDoc{ValidUntil: key.ValidUntil})
	if err != nil {
		return err
	}

	_, err = conn.Do("SET", s.key("key:", string(key.Key)), raw)
	return err
}

// RemoveKey implements persistence.Store.
func (s *Store) RemoveKey(key bittorrent.Key) error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("DEL", s.key("key:", string(key)))
	return err
}

// DropDatabaseTables implements persistence.Store.
func (s *Store) DropDatabaseTables() error {
	conn := s.pool.Get()
	defer conn.Close()

	for _, pattern := range []string{s.key("torrent:*"), s.key("key:*")} {
		keys, err := s.scanKeys(conn, pattern)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := conn.Do("DEL", k); err != nil {
				return err
			}
		}
	}

	_, err := conn.Do("DEL", s.key(whitelistKey))
	return err
}

// scanKeys walks the keyspace with SCAN (never KEYS, which blocks the
// server on a large keyspace) to collect every key matching pattern.
func (s *Store) scanKeys(conn redis.Conn, pattern string) ([]string, error) {
	var (
		cursor int64
		keys   []string
	)

	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", pattern, "COUNT", 100))
		if err != nil {
			return nil, err
		}

		var batch []string
		if _, err := redis.Scan(reply, &cursor, &batch); err != nil {
			return nil, err
		}
		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// LogFields implements log.Fielder.
func (s *Store) LogFields() log.Fields {
	return s.cfg.LogFields()
}

func mustDecodeHex(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("redis: corrupt info_hash key: " + err.Error())
	}
	return string(b)
}
