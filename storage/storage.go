// Package storage persists the durable history: servers, journeys,
// journey events, journey vehicles and dispatch posts. The snapshot
// cache is authoritative for "current"; this store is authoritative
// for history.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"railhub.dev/simrail/model"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	// UpsertServer writes a server by stable id. Reappearance of a
	// previously deleted server clears the deleted flag.
	UpsertServer(ctx context.Context, srv *model.Server) error
	Servers(ctx context.Context) ([]*model.Server, error)
	MarkServerDeleted(ctx context.Context, id uuid.UUID) error

	InsertJourney(ctx context.Context, j *model.Journey) error
	// DeleteJourney wipes the journey together with its events and
	// vehicles. Used when a run id resurfaces under a different
	// stable id (train number changed).
	DeleteJourney(ctx context.Context, id uuid.UUID) error
	// JourneysByRunID returns the journeys of one server matching
	// any of the given upstream run ids.
	JourneysByRunID(ctx context.Context, serverID uuid.UUID, runIDs []string) ([]*model.Journey, error)
	// SetJourneyFirstSeen sets first_seen_time if it is still null.
	SetJourneyFirstSeen(ctx context.Context, id uuid.UUID, t time.Time) error
	SetJourneyLastSeen(ctx context.Context, id uuid.UUID, t time.Time) error

	// JourneyEvents returns a journey's events sorted by event_index.
	JourneyEvents(ctx context.Context, journeyID uuid.UUID) ([]*model.JourneyEvent, error)
	ReplaceJourneyEvents(ctx context.Context, journeyID uuid.UUID, events []*model.JourneyEvent) error
	// MutateJourneyEvents runs fn over the journey's sorted events
	// inside one transaction and persists the returned list. The
	// realtime updater is the only caller.
	MutateJourneyEvents(ctx context.Context, journeyID uuid.UUID, fn func([]*model.JourneyEvent) ([]*model.JourneyEvent, error)) error

	ReplaceJourneyVehicles(ctx context.Context, journeyID uuid.UUID, names []string) error

	UpsertDispatchPost(ctx context.Context, post *model.DispatchPost) error
	MarkDispatchPostDeleted(ctx context.Context, id uuid.UUID) error

	// JourneysToCancel returns journeys of a server whose second
	// playable departure is scheduled strictly before the given
	// server-local instant and that have never been seen live.
	JourneysToCancel(ctx context.Context, serverID uuid.UUID, before time.Time) ([]uuid.UUID, error)
	// CancelJourneys marks the journeys and all their events
	// cancelled.
	CancelJourneys(ctx context.Context, ids []uuid.UUID, now time.Time) error

	// StaleJourneys returns journeys without any data update since
	// the given instant.
	StaleJourneys(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	// PurgeJourneys deletes the journeys with their events and
	// vehicles, returning the number of journeys removed.
	PurgeJourneys(ctx context.Context, ids []uuid.UUID) (int, error)

	Close() error
}
