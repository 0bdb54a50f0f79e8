package simrail

import (
	"context"
	"time"

	"go.uber.org/zap"

	"railhub.dev/simrail/model"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

const journeyRetention = 90 * 24 * time.Hour

// cancellationTask marks journeys that should have spawned already but
// never did. The threshold is the server's own clock, not ours.
type cancellationTask struct {
	aws    *srapi.AWSClient
	store  storage.Storage
	logger *zap.Logger
}

func (t *cancellationTask) run(ctx context.Context, servers []*model.Server) {
	for _, srv := range servers {
		millis, _, err := t.aws.ServerTimeMillis(ctx, srv.Code)
		if err != nil {
			t.logger.Warn("server time fetch failed",
				zap.String("server", srv.Code), zap.Error(err))
			continue
		}
		// The reported epoch embeds the zone offset; strip it to get
		// the instant.
		before := time.UnixMilli(millis).Add(-time.Duration(srv.UTCOffset) * time.Second)

		ids, err := t.store.JourneysToCancel(ctx, srv.ID, before)
		if err != nil {
			t.logger.Error("cancellation query failed",
				zap.String("server", srv.Code), zap.Error(err))
			continue
		}
		if len(ids) == 0 {
			continue
		}
		if err := t.store.CancelJourneys(ctx, ids, time.Now().UTC()); err != nil {
			t.logger.Error("journey cancellation failed",
				zap.String("server", srv.Code), zap.Error(err))
			continue
		}
		t.logger.Info("journeys cancelled",
			zap.String("server", srv.Code), zap.Int("count", len(ids)))
	}
}

// cleanupTask purges journeys without any data update in the retention
// window, events and vehicles included.
type cleanupTask struct {
	store  storage.Storage
	logger *zap.Logger
}

func (t *cleanupTask) run(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-journeyRetention).Truncate(24 * time.Hour)
	ids, err := t.store.StaleJourneys(ctx, cutoff)
	if err != nil {
		t.logger.Error("stale journey query failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	count, err := t.store.PurgeJourneys(ctx, ids)
	if err != nil {
		t.logger.Error("journey purge failed", zap.Error(err))
		return
	}
	t.logger.Info("journeys purged", zap.Int("count", count))
}
