package tracker

import (
	"net"
	"time"

	"github.com/torrust/tracker-core/pkg/log"
)

// AnnouncePolicy is the interval pair returned to every announcing client,
// grounded on the teacher's middleware.ResponseConfig.
type AnnouncePolicy struct {
	Interval    time.Duration `yaml:"interval"`
	IntervalMin time.Duration `yaml:"interval_min"`
}

// NetConfig controls how the facade resolves a client's effective IP.
type NetConfig struct {
	OnReverseProxy bool   `yaml:"on_reverse_proxy"`
	ExternalIP     net.IP `yaml:"external_ip"`
}

// TrackerPolicy controls peer-lifecycle behavior.
type TrackerPolicy struct {
	MaxPeerTimeout                 int64 `yaml:"max_peer_timeout"`
	PersistentTorrentCompletedStat bool  `yaml:"persistent_torrent_completed_stat"`
	RemovePeerlessTorrents         bool  `yaml:"remove_peerless_torrents"`
}

// PrivateModeConfig is a pointer field on Config: its absence (nil) means
// "default to checking expiration", matching spec.md §4.1's "default true
// if private_mode absent".
type PrivateModeConfig struct {
	CheckKeysExpiration bool `yaml:"check_keys_expiration"`
}

// Config is the Tracker Facade's configuration surface (spec.md §4.1),
// validated and defaulted once at construction the way the teacher's
// storage.Config.Validate() methods warn-and-fall-back rather than
// failing construction outright.
type Config struct {
	Private        bool               `yaml:"private"`
	Listed         bool               `yaml:"listed"`
	AnnouncePolicy AnnouncePolicy     `yaml:"announce_policy"`
	Net            NetConfig          `yaml:"net"`
	TrackerPolicy  TrackerPolicy      `yaml:"tracker_policy"`
	PrivateMode    *PrivateModeConfig `yaml:"private_mode"`
}

const defaultMaxPeerTimeout = int64(30 * 60)

// Validate fills in zero-valued fields with sane defaults, logging a
// warning for each, and returns the defaulted Config.
func (cfg Config) Validate() Config {
	if cfg.TrackerPolicy.MaxPeerTimeout <= 0 {
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "TrackerPolicy.MaxPeerTimeout",
			"provided": cfg.TrackerPolicy.MaxPeerTimeout,
			"default":  defaultMaxPeerTimeout,
		})
		cfg.TrackerPolicy.MaxPeerTimeout = defaultMaxPeerTimeout
	}

	return cfg
}

// checkKeysExpiration reports whether Verify should enforce PeerKey
// expiry: true by default, even when PrivateMode itself is unset.
func (cfg Config) checkKeysExpiration() bool {
	if cfg.PrivateMode == nil {
		return true
	}
	return cfg.PrivateMode.CheckKeysExpiration
}

// LogFields implements log.Fielder.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"private":                cfg.Private,
		"listed":                 cfg.Listed,
		"maxPeerTimeout":         cfg.TrackerPolicy.MaxPeerTimeout,
		"removePeerlessTorrents": cfg.TrackerPolicy.RemovePeerlessTorrents,
	}
}
