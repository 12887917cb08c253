// Package main is the entry point of the device activity backend: it polls the configured
// DNS/DHCP servers, classifies the activity of each device and keeps the exposed
// monitoring entities reconciled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"dhcp-activity-backend/pkg/cache"
	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/monitor"
	"dhcp-activity-backend/pkg/trackerdb"
	"dhcp-activity-backend/pkg/uibackend"

	"golang.org/x/sync/errgroup"
)

const defaultConfigFile = "/data/options.yaml"

func main() {
	configPath := flag.String("config", defaultConfigFile, "path to the YAML configuration file")
	flag.Parse()

	log := logger.NewCustomLogger("activity-backend")
	log.Info("Backend starting")

	// Fatalf only logs: the exit status is set here, after run released its resources
	if err := run(*configPath, log); err != nil {
		log.Fatalf("backend stopped: %s", err.Error())
		os.Exit(1)
	}
	log.Info("Backend stopped")
}

func run(configPath string, log *logger.CustomLogger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error while reading the configuration: %w", err)
	}
	configured, err := logger.NewCustomLoggerWithConfig("activity-backend", cfg.Log)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	log = configured

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := trackerdb.NewEntityRegistryDB(cfg.TrackerDB)
	if err != nil {
		return fmt.Errorf("failed to open the entity tracker DB: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	log.Infof("Successfully opened the entity tracker DB at %s", cfg.TrackerDB)

	// the snapshot cache is optional: without it devices are rediscovered at the first poll
	var snapshotCache monitor.SnapshotCache
	var snapshots snapshotDeleter
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			log.Warnf("snapshot cache disabled: %s", err.Error())
		} else {
			defer func() {
				_ = rc.Close()
			}()
			snapshotCache = rc
			snapshots = rc
		}
	}
	purgeRemovedEntries(ctx, cfg, db, snapshots, log)

	g, ctx := errgroup.WithContext(ctx)
	monitors := make([]uibackend.EntryMonitor, 0, len(cfg.Entries))
	for _, opts := range cfg.Entries {
		for _, w := range opts.Warnings {
			log.Warnf("entry %s: ignoring IP filter entry: %s", opts.ID, w)
		}

		m := monitor.New(opts, monitor.NewSource(opts, log), db, snapshotCache, log)
		if err := m.Warmup(ctx); err != nil {
			log.Warnf("entry %s: %s", opts.ID, err.Error())
		}
		monitors = append(monitors, m)

		log.Infof("entry %s: source=%s, DHCP tracking=%t, smart activity=%t, filter=%s",
			opts.ID, opts.Source, opts.EnableDHCPTracking, opts.EnableSmartActivity, opts.Filter)
		g.Go(func() error {
			return m.Run(ctx)
		})
	}

	ui := uibackend.NewUIBackend(cfg.WebUI, monitors, log)
	g.Go(func() error {
		if err := ui.ListenAndServe(ctx); err != nil {
			return err
		}
		// the web server stops only on shutdown
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// snapshotDeleter drops the cached snapshot of an entry; *cache.RedisCache implements it.
type snapshotDeleter interface {
	DeleteSnapshot(ctx context.Context, entry string) error
}

// purgeRemovedEntries drops the entities and the cached snapshot of the entries that are
// no longer configured. snapshots may be nil.
func purgeRemovedEntries(ctx context.Context, cfg *config.Config, db *trackerdb.EntityRegistryDB, snapshots snapshotDeleter, log *logger.CustomLogger) {
	known, err := db.ListEntries()
	if err != nil {
		log.Warnf("failed to list the tracked entries: %s", err.Error())
		return
	}
	configured := make([]string, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		configured = append(configured, e.ID)
	}
	for _, entry := range known {
		if slices.Contains(configured, entry) {
			continue
		}
		n, err := db.PurgeEntry(entry)
		if err != nil {
			log.Warnf("failed to purge the entities of removed entry %s: %s", entry, err.Error())
			continue
		}
		log.Infof("Purged %d entities of removed entry %s", n, entry)

		if snapshots == nil {
			continue
		}
		if err := snapshots.DeleteSnapshot(ctx, entry); err != nil {
			log.Warnf("failed to drop the cached snapshot of removed entry %s: %s", entry, err.Error())
		}
	}
}
