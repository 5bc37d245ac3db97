// Command tracker is a demo host for the tracker core: it parses a YAML
// config, opens a Persistence Port adapter, constructs a tracker.Tracker,
// and runs a cleanup ticker and a Prometheus HTTP endpoint. It implements
// no wire protocol of its own — grounded on cmd/trakr/main.go, which plays
// the same "load config, wire the tracker, serve Prometheus, wait for a
// signal" role for the teacher's UDP/HTTP-serving MultiTracker.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/torrust/tracker-core/pkg/clock"
	"github.com/torrust/tracker-core/pkg/log"
	"github.com/torrust/tracker-core/pkg/stop"
	"github.com/torrust/tracker-core/stats"
	"github.com/torrust/tracker-core/storage/memory"
	"github.com/torrust/tracker-core/storage/persistence"
	"github.com/torrust/tracker-core/storage/persistence/redis"
	"github.com/torrust/tracker-core/storage/persistence/sql"
	"github.com/torrust/tracker-core/tracker"
)

func openPersistence(cfg PersistenceConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case "", "sql":
		if cfg.Sql.Dialect == "postgres" {
			return sql.NewPostgres(cfg.Sql)
		}
		return sql.NewSqlite(cfg.Sql)
	case "postgres":
		return sql.NewPostgres(cfg.Sql)
	case "redis":
		return redis.New(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

func run(configFilePath string) error {
	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Tracker

	store, err := openPersistence(cfg.Persistence)
	if err != nil {
		return errors.New("failed to open persistence: " + err.Error())
	}

	clk := clock.NewReal()
	defer clk.Stop()

	peerStore := memory.New(cfg.PeerStore)
	statsCollector := stats.NewCollector()

	tr := tracker.New(cfg.Core, peerStore, store, clk, statsCollector)

	if err := tr.LoadTorrentsFromDatabase(); err != nil {
		log.Error("failed to load torrents from database", log.Err(err))
	}
	if err := tr.LoadKeysFromDatabase(); err != nil {
		log.Error("failed to load keys from database", log.Err(err))
	}
	if err := tr.LoadWhitelistFromDatabase(); err != nil {
		log.Error("failed to load whitelist from database", log.Err(err))
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	stopGroup := stop.NewGroup()
	stopGroup.Add(tr)

	if cfg.PrometheusAddr != "" {
		promServer := &http.Server{
			Addr:    cfg.PrometheusAddr,
			Handler: promhttp.Handler(),
		}
		go func() {
			log.Info("started serving prometheus stats", log.Fields{"addr": cfg.PrometheusAddr})
			if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("prometheus server failed", log.Err(err))
			}
		}()
		stopGroup.AddFunc(func() <-chan error {
			toReturn := make(chan error)
			go func() {
				close(toReturn)
				promServer.Close()
			}()
			return toReturn
		})
	}

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		for {
			select {
			case <-cleanupTicker.C:
				tr.CleanupTorrents()
			case <-shutdown:
				cleanupTicker.Stop()
				return
			}
		}
	}()

	<-cleanupDone
	if errs := stopGroup.Stop(); len(errs) > 0 {
		for _, err := range errs {
			log.Error("error during shutdown", log.Err(err))
		}
	}

	return nil
}

func main() {
	var configFilePath string

	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "BitTorrent tracker core",
		Long:  "A delivery-agnostic BitTorrent tracker core: swarm repository, announce/scrape semantics, key store, whitelist, and cleanup, with no wire protocol of its own",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(configFilePath); err != nil {
				log.Fatal(err.Error())
			}
		},
	}

	rootCmd.Flags().StringVar(&configFilePath, "config", "/etc/tracker.yaml", "location of configuration file (defaults to /etc/tracker.yaml)")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}
