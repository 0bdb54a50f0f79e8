// Package simrail mirrors the live state of the SimRail multiplayer
// servers: periodic collectors pull the upstream HTTP APIs, diff the
// results into snapshot frames, persist durable history and drive the
// realtime event updater.
package simrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/snapshot"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

const (
	serverInterval        = 30 * time.Second
	timetableInterval     = 15 * time.Minute
	timetableInitialDelay = 30 * time.Second
	trainInterval         = 2 * time.Second
	dispatchInterval      = 2 * time.Second
	cancellationInterval  = 2 * time.Minute
	cleanupCronSpec       = "0 5 * * *" // daily, UTC
)

type Config struct {
	PanelURL string
	AWSURL   string

	Storage storage.Storage
	Points  points.Provider

	// Redis mirrors the snapshot caches across restarts; nil keeps
	// them in memory only.
	Redis *redis.Client
	// Bus fans frames out to other processes; nil disables publishing.
	Bus *bus.Bus

	Logger *zap.Logger
	// Scenery maps a server code to its scenery tag; nil uses
	// DefaultScenery for everything.
	Scenery func(code string) string
}

// Manager owns the collectors, the snapshot caches and the realtime
// updater, and runs them on their schedules.
type Manager struct {
	logger *zap.Logger
	busC   *bus.Bus

	serverCache  *snapshot.Cache
	journeyCache *snapshot.Cache
	postCache    *snapshot.Cache

	updater      *Updater
	pool         *workerPool
	servers      *serverCollector
	timetables   *timetableCollector
	trains       *trainCollector
	posts        *dispatchCollector
	cancellation *cancellationTask
	cleanup      *cleanupTask
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("manager: storage is required")
	}
	if cfg.Points == nil {
		return nil, fmt.Errorf("manager: points provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scenery := cfg.Scenery
	if scenery == nil {
		scenery = func(string) string { return DefaultScenery }
	}

	panel := srapi.NewPanelClient(cfg.PanelURL)
	aws := srapi.NewAWSClient(cfg.AWSURL)

	serverCache := snapshot.NewCache(cfg.Redis, "server", snapshot.ServerTTL,
		func(f *snapshot.Frame) string { return f.ID.Foreign })
	journeyCache := snapshot.NewCache(cfg.Redis, "journey", snapshot.JourneyTTL,
		func(f *snapshot.Frame) string { return f.ID.Server.String() + ":" + f.ID.Foreign })
	postCache := snapshot.NewCache(cfg.Redis, "dispatchpost", snapshot.DispatchPostTTL,
		func(f *snapshot.Frame) string { return f.ID.Server.String() + ":" + f.ID.Foreign })

	var publisher bus.Publisher
	if cfg.Bus != nil {
		publisher = cfg.Bus
	}

	updater := NewUpdater(cfg.Storage, cfg.Points, logger.Named("updater"))
	pool := newWorkerPool(trainCollectorWorkers)

	m := &Manager{
		logger:       logger,
		busC:         cfg.Bus,
		serverCache:  serverCache,
		journeyCache: journeyCache,
		postCache:    postCache,
		updater:      updater,
		pool:         pool,
		servers: &serverCollector{
			panel:   panel,
			aws:     aws,
			store:   cfg.Storage,
			cache:   serverCache,
			bus:     publisher,
			scenery: scenery,
			logger:  logger.Named("servers"),
			holders: map[string]*serverHolder{},
		},
		timetables: &timetableCollector{
			aws:    aws,
			store:  cfg.Storage,
			points: cfg.Points,
			logger: logger.Named("timetables"),
		},
		trains: &trainCollector{
			panel:   panel,
			store:   cfg.Storage,
			cache:   journeyCache,
			bus:     publisher,
			points:  cfg.Points,
			updater: updater,
			logger:  logger.Named("trains"),
			pool:    pool,
			data:    map[string]*serverTrainData{},
		},
		posts: &dispatchCollector{
			panel:  panel,
			store:  cfg.Storage,
			cache:  postCache,
			bus:    publisher,
			points: cfg.Points,
			logger: logger.Named("dispatch"),
			data:   map[string]*serverPostData{},
		},
		cancellation: &cancellationTask{
			aws:    aws,
			store:  cfg.Storage,
			logger: logger.Named("cancellation"),
		},
		cleanup: &cleanupTask{
			store:  cfg.Storage,
			logger: logger.Named("cleanup"),
		},
	}
	return m, nil
}

// Run rehydrates the caches, subscribes to the bus and drives the
// collectors until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	// Rehydrate before any bus subscription delivers updates, or local
	// state races ahead of remote state.
	for _, c := range []*snapshot.Cache{m.serverCache, m.journeyCache, m.postCache} {
		if err := c.PullFromStorage(ctx); err != nil {
			return fmt.Errorf("rehydrating cache: %w", err)
		}
	}
	if m.busC != nil {
		for domain, cache := range map[string]*snapshot.Cache{
			bus.DomainServer:       m.serverCache,
			bus.DomainJourney:      m.journeyCache,
			bus.DomainDispatchPost: m.postCache,
		} {
			unsubscribe, err := m.busC.Sync(domain, cache)
			if err != nil {
				return fmt.Errorf("subscribing %s sync: %w", domain, err)
			}
			defer unsubscribe()
		}
	}

	go m.updater.Run(ctx)

	cr := cron.New(cron.WithLocation(time.UTC))
	if _, err := cr.AddFunc(cleanupCronSpec, func() { m.cleanup.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	var wg sync.WaitGroup
	schedule := func(initialDelay, interval time.Duration, task func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if initialDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(initialDelay):
				}
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			task()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					task()
				}
			}
		}()
	}

	schedule(0, serverInterval, func() { m.servers.collect(ctx) })
	schedule(timetableInitialDelay, timetableInterval, func() { m.timetables.collect(ctx, m.servers.Servers()) })
	schedule(0, trainInterval, func() { m.trains.collect(ctx, m.servers.Servers()) })
	schedule(0, dispatchInterval, func() { m.posts.collect(ctx, m.servers.Servers()) })
	schedule(0, cancellationInterval, func() { m.cancellation.run(ctx, m.servers.Servers()) })

	wg.Wait()
	m.pool.Close()
	return ctx.Err()
}

// Servers returns the last fully collected server list.
func (m *Manager) Servers() []*model.Server {
	return m.servers.Servers()
}
