package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"railhub.dev/simrail/model"
)

// Shared implementation for the sqlite and postgres backends. The two
// only differ in placeholder style, so unlike a schema with dozens of
// tables there's no point maintaining parallel query sets.
type sqlStorage struct {
	db       *sql.DB
	postgres bool
}

const schema = `
CREATE TABLE IF NOT EXISTS servers (
    id TEXT PRIMARY KEY,
    foreign_id TEXT NOT NULL,
    code TEXT NOT NULL,
    region INTEGER NOT NULL,
    language TEXT NOT NULL,
    tags TEXT NOT NULL,
    online BOOLEAN NOT NULL,
    scenery TEXT NOT NULL,
    utc_offset INTEGER NOT NULL,
    registered_at TIMESTAMP NOT NULL,
    deleted BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS journeys (
    id TEXT PRIMARY KEY,
    foreign_run_id TEXT NOT NULL,
    server_id TEXT NOT NULL,
    first_seen_time TIMESTAMP,
    last_seen_time TIMESTAMP,
    cancelled BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS journeys_server_run ON journeys (server_id, foreign_run_id);

CREATE TABLE IF NOT EXISTS journey_events (
    id TEXT PRIMARY KEY,
    journey_id TEXT NOT NULL,
    event_index INTEGER NOT NULL,
    event_type INTEGER NOT NULL,
    point_id TEXT NOT NULL,
    category TEXT NOT NULL,
    number TEXT NOT NULL,
    transport_type INTEGER NOT NULL,
    line TEXT NOT NULL,
    label TEXT NOT NULL,
    max_speed INTEGER NOT NULL,
    scheduled_time TIMESTAMP NOT NULL,
    realtime_time TIMESTAMP NOT NULL,
    realtime_type INTEGER NOT NULL,
    stop_type INTEGER NOT NULL,
    scheduled_track INTEGER,
    scheduled_platform INTEGER,
    realtime_track INTEGER,
    realtime_platform INTEGER,
    cancelled BOOLEAN NOT NULL,
    additional BOOLEAN NOT NULL,
    in_border BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS journey_events_journey ON journey_events (journey_id, event_index);

CREATE TABLE IF NOT EXISTS journey_vehicles (
    journey_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    PRIMARY KEY (journey_id, position)
);

CREATE TABLE IF NOT EXISTS dispatch_posts (
    id TEXT PRIMARY KEY,
    foreign_id TEXT NOT NULL,
    server_id TEXT NOT NULL,
    name TEXT NOT NULL,
    difficulty INTEGER NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    point_id TEXT NOT NULL,
    image_urls TEXT NOT NULL,
    dispatcher_platform INTEGER,
    dispatcher_id TEXT,
    registered_at TIMESTAMP NOT NULL,
    deleted BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

func (s *sqlStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.postgres, query), args...)
}

func (s *sqlStorage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.postgres, query), args...)
}

func (s *sqlStorage) UpsertServer(ctx context.Context, srv *model.Server) error {
	_, err := s.exec(ctx, `
INSERT INTO servers (id, foreign_id, code, region, language, tags, online, scenery, utc_offset, registered_at, deleted, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    foreign_id = excluded.foreign_id,
    code = excluded.code,
    region = excluded.region,
    language = excluded.language,
    tags = excluded.tags,
    online = excluded.online,
    scenery = excluded.scenery,
    utc_offset = excluded.utc_offset,
    deleted = excluded.deleted,
    updated_at = excluded.updated_at`,
		srv.ID.String(), srv.ForeignID, srv.Code, int(srv.Region), srv.SpokenLanguage,
		joinList(srv.Tags), srv.Online, srv.Scenery, srv.UTCOffset,
		srv.RegisteredAt.UTC(), srv.Deleted, srv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting server: %w", err)
	}
	return nil
}

func (s *sqlStorage) Servers(ctx context.Context) ([]*model.Server, error) {
	rows, err := s.query(ctx, `
SELECT id, foreign_id, code, region, language, tags, online, scenery, utc_offset, registered_at, deleted, updated_at
FROM servers ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		var (
			srv        model.Server
			id         string
			region     int
			tags       string
			registered time.Time
			updated    time.Time
		)
		err = rows.Scan(&id, &srv.ForeignID, &srv.Code, &region, &srv.SpokenLanguage,
			&tags, &srv.Online, &srv.Scenery, &srv.UTCOffset, &registered, &srv.Deleted, &updated)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		srv.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing server id: %w", err)
		}
		srv.Region = model.Region(region)
		srv.Tags = splitList(tags)
		srv.RegisteredAt = registered.UTC()
		srv.UpdatedAt = updated.UTC()
		servers = append(servers, &srv)
	}
	return servers, rows.Err()
}

func (s *sqlStorage) MarkServerDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE servers SET deleted = ?, updated_at = ? WHERE id = ?`,
		true, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("marking server deleted: %w", err)
	}
	return nil
}

func (s *sqlStorage) InsertJourney(ctx context.Context, j *model.Journey) error {
	_, err := s.exec(ctx, `
INSERT INTO journeys (id, foreign_run_id, server_id, first_seen_time, last_seen_time, cancelled, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    cancelled = excluded.cancelled,
    updated_at = excluded.updated_at`,
		j.ID.String(), j.ForeignRunID, j.ServerID.String(),
		nullTime(j.FirstSeenTime), nullTime(j.LastSeenTime), j.Cancelled, j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting journey: %w", err)
	}
	return nil
}

func (s *sqlStorage) DeleteJourney(ctx context.Context, id uuid.UUID) error {
	_, err := s.PurgeJourneys(ctx, []uuid.UUID{id})
	return err
}

func (s *sqlStorage) JourneysByRunID(ctx context.Context, serverID uuid.UUID, runIDs []string) ([]*model.Journey, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	args := []any{serverID.String()}
	for _, id := range runIDs {
		args = append(args, id)
	}
	rows, err := s.query(ctx, `
SELECT id, foreign_run_id, server_id, first_seen_time, last_seen_time, cancelled, updated_at
FROM journeys WHERE server_id = ? AND foreign_run_id IN (`+placeholders(len(runIDs))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing journeys: %w", err)
	}
	defer rows.Close()

	var journeys []*model.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, rows.Err()
}

func scanJourney(rows *sql.Rows) (*model.Journey, error) {
	var (
		j          model.Journey
		id, server string
		first      sql.NullTime
		last       sql.NullTime
		updated    time.Time
	)
	err := rows.Scan(&id, &j.ForeignRunID, &server, &first, &last, &j.Cancelled, &updated)
	if err != nil {
		return nil, fmt.Errorf("scanning journey: %w", err)
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing journey id: %w", err)
	}
	if j.ServerID, err = uuid.Parse(server); err != nil {
		return nil, fmt.Errorf("parsing journey server id: %w", err)
	}
	j.FirstSeenTime = timePtr(first)
	j.LastSeenTime = timePtr(last)
	j.UpdatedAt = updated.UTC()
	return &j, nil
}

func (s *sqlStorage) SetJourneyFirstSeen(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := s.exec(ctx, `
UPDATE journeys SET first_seen_time = ?, updated_at = ? WHERE id = ? AND first_seen_time IS NULL`,
		t.UTC(), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("setting first seen: %w", err)
	}
	return nil
}

func (s *sqlStorage) SetJourneyLastSeen(ctx context.Context, id uuid.UUID, t time.Time) error {
	_, err := s.exec(ctx, `
UPDATE journeys SET last_seen_time = ?, updated_at = ? WHERE id = ?`,
		t.UTC(), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("setting last seen: %w", err)
	}
	return nil
}

const eventColumns = `id, journey_id, event_index, event_type, point_id, category, number,
transport_type, line, label, max_speed, scheduled_time, realtime_time, realtime_type,
stop_type, scheduled_track, scheduled_platform, realtime_track, realtime_platform,
cancelled, additional, in_border`

func (s *sqlStorage) JourneyEvents(ctx context.Context, journeyID uuid.UUID) ([]*model.JourneyEvent, error) {
	rows, err := s.query(ctx, `
SELECT `+eventColumns+` FROM journey_events WHERE journey_id = ? ORDER BY event_index`,
		journeyID.String())
	if err != nil {
		return nil, fmt.Errorf("listing journey events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*model.JourneyEvent, error) {
	var events []*model.JourneyEvent
	for rows.Next() {
		var (
			ev                   model.JourneyEvent
			id, journey          string
			typ, ttyp, rtyp, sty int
			schedTrack, schedPlt sql.NullInt64
			rtTrack, rtPlt       sql.NullInt64
			sched, rt            time.Time
		)
		err := rows.Scan(&id, &journey, &ev.Index, &typ, &ev.PointID,
			&ev.Transport.Category, &ev.Transport.Number, &ttyp,
			&ev.Transport.Line, &ev.Transport.Label, &ev.Transport.MaxSpeed,
			&sched, &rt, &rtyp, &sty, &schedTrack, &schedPlt, &rtTrack, &rtPlt,
			&ev.Cancelled, &ev.Additional, &ev.InPlayableBorder)
		if err != nil {
			return nil, fmt.Errorf("scanning journey event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing event id: %w", err)
		}
		if ev.JourneyID, err = uuid.Parse(journey); err != nil {
			return nil, fmt.Errorf("parsing event journey id: %w", err)
		}
		ev.Type = model.EventType(typ)
		ev.Transport.Type = model.TransportType(ttyp)
		ev.ScheduledTime = sched.UTC()
		ev.RealtimeTime = rt.UTC()
		ev.RealtimeType = model.TimeType(rtyp)
		ev.StopType = model.StopType(sty)
		if schedTrack.Valid && schedPlt.Valid {
			ev.ScheduledStop = &model.StopInfo{Track: int(schedTrack.Int64), Platform: int(schedPlt.Int64)}
		}
		if rtTrack.Valid && rtPlt.Valid {
			ev.RealtimeStop = &model.StopInfo{Track: int(rtTrack.Int64), Platform: int(rtPlt.Int64)}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func upsertEvent(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), ev *model.JourneyEvent) error {
	var schedTrack, schedPlt, rtTrack, rtPlt sql.NullInt64
	if ev.ScheduledStop != nil {
		schedTrack = nullInt(&ev.ScheduledStop.Track)
		schedPlt = nullInt(&ev.ScheduledStop.Platform)
	}
	if ev.RealtimeStop != nil {
		rtTrack = nullInt(&ev.RealtimeStop.Track)
		rtPlt = nullInt(&ev.RealtimeStop.Platform)
	}
	_, err := exec(ctx, `
INSERT INTO journey_events (`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    event_index = excluded.event_index,
    realtime_time = excluded.realtime_time,
    realtime_type = excluded.realtime_type,
    stop_type = excluded.stop_type,
    realtime_track = excluded.realtime_track,
    realtime_platform = excluded.realtime_platform,
    cancelled = excluded.cancelled`,
		ev.ID.String(), ev.JourneyID.String(), ev.Index, int(ev.Type), ev.PointID,
		ev.Transport.Category, ev.Transport.Number, int(ev.Transport.Type),
		ev.Transport.Line, ev.Transport.Label, ev.Transport.MaxSpeed,
		ev.ScheduledTime.UTC(), ev.RealtimeTime.UTC(), int(ev.RealtimeType), int(ev.StopType),
		schedTrack, schedPlt, rtTrack, rtPlt,
		ev.Cancelled, ev.Additional, ev.InPlayableBorder)
	if err != nil {
		return fmt.Errorf("upserting journey event: %w", err)
	}
	return nil
}

func (s *sqlStorage) ReplaceJourneyEvents(ctx context.Context, journeyID uuid.UUID, events []*model.JourneyEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	txExec := func(ctx context.Context, query string, args ...any) (sql.Result, error) {
		return tx.ExecContext(ctx, rebind(s.postgres, query), args...)
	}

	if _, err := txExec(ctx, `DELETE FROM journey_events WHERE journey_id = ?`, journeyID.String()); err != nil {
		return fmt.Errorf("clearing journey events: %w", err)
	}
	for _, ev := range events {
		if err := upsertEvent(ctx, txExec, ev); err != nil {
			return err
		}
	}
	if _, err := txExec(ctx, `UPDATE journeys SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), journeyID.String()); err != nil {
		return fmt.Errorf("touching journey: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStorage) MutateJourneyEvents(ctx context.Context, journeyID uuid.UUID, fn func([]*model.JourneyEvent) ([]*model.JourneyEvent, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, rebind(s.postgres, `
SELECT `+eventColumns+` FROM journey_events WHERE journey_id = ? ORDER BY event_index`),
		journeyID.String())
	if err != nil {
		return fmt.Errorf("listing journey events: %w", err)
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return err
	}

	mutated, err := fn(events)
	if err != nil {
		return err
	}
	if mutated == nil {
		return tx.Rollback()
	}

	txExec := func(ctx context.Context, query string, args ...any) (sql.Result, error) {
		return tx.ExecContext(ctx, rebind(s.postgres, query), args...)
	}
	for _, ev := range mutated {
		if err := upsertEvent(ctx, txExec, ev); err != nil {
			return err
		}
	}
	if _, err := txExec(ctx, `UPDATE journeys SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), journeyID.String()); err != nil {
		return fmt.Errorf("touching journey: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStorage) ReplaceJourneyVehicles(ctx context.Context, journeyID uuid.UUID, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, rebind(s.postgres,
		`DELETE FROM journey_vehicles WHERE journey_id = ?`), journeyID.String()); err != nil {
		return fmt.Errorf("clearing journey vehicles: %w", err)
	}
	for i, name := range names {
		if _, err := tx.ExecContext(ctx, rebind(s.postgres,
			`INSERT INTO journey_vehicles (journey_id, position, name) VALUES (?, ?, ?)`),
			journeyID.String(), i, name); err != nil {
			return fmt.Errorf("inserting journey vehicle: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStorage) UpsertDispatchPost(ctx context.Context, post *model.DispatchPost) error {
	var platform, dispatcherID any
	if post.Dispatcher != nil {
		platform = int(post.Dispatcher.Platform)
		dispatcherID = post.Dispatcher.ID
	}
	_, err := s.exec(ctx, `
INSERT INTO dispatch_posts (id, foreign_id, server_id, name, difficulty, latitude, longitude, point_id, image_urls, dispatcher_platform, dispatcher_id, registered_at, deleted, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    difficulty = excluded.difficulty,
    latitude = excluded.latitude,
    longitude = excluded.longitude,
    point_id = excluded.point_id,
    image_urls = excluded.image_urls,
    dispatcher_platform = excluded.dispatcher_platform,
    dispatcher_id = excluded.dispatcher_id,
    deleted = excluded.deleted,
    updated_at = excluded.updated_at`,
		post.ID.String(), post.ForeignID, post.ServerID.String(), post.Name, post.Difficulty,
		post.Position.Latitude, post.Position.Longitude, post.PointID, joinList(post.ImageURLs),
		platform, dispatcherID, post.RegisteredAt.UTC(), post.Deleted, post.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting dispatch post: %w", err)
	}
	return nil
}

func (s *sqlStorage) MarkDispatchPostDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE dispatch_posts SET deleted = ?, updated_at = ? WHERE id = ?`,
		true, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("marking dispatch post deleted: %w", err)
	}
	return nil
}

func (s *sqlStorage) JourneysToCancel(ctx context.Context, serverID uuid.UUID, before time.Time) ([]uuid.UUID, error) {
	rows, err := s.query(ctx, `
SELECT id FROM journeys j
WHERE j.server_id = ?
  AND j.first_seen_time IS NULL
  AND j.cancelled = ?
  AND (
    SELECT e.scheduled_time FROM journey_events e
    WHERE e.journey_id = j.id AND e.event_type = ? AND e.in_border = ?
    ORDER BY e.event_index LIMIT 1 OFFSET 1
  ) < ?`,
		serverID.String(), false, int(model.EventTypeDeparture), true, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying journeys to cancel: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

func (s *sqlStorage) CancelJourneys(ctx context.Context, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	in := placeholders(len(ids))
	args := append([]any{true, now.UTC()}, idArgs(ids)...)
	if _, err := tx.ExecContext(ctx, rebind(s.postgres,
		`UPDATE journeys SET cancelled = ?, updated_at = ? WHERE id IN (`+in+`)`), args...); err != nil {
		return fmt.Errorf("cancelling journeys: %w", err)
	}
	args = append([]any{true}, idArgs(ids)...)
	if _, err := tx.ExecContext(ctx, rebind(s.postgres,
		`UPDATE journey_events SET cancelled = ? WHERE journey_id IN (`+in+`)`), args...); err != nil {
		return fmt.Errorf("cancelling journey events: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStorage) StaleJourneys(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := s.query(ctx, `SELECT id FROM journeys WHERE updated_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying stale journeys: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *sqlStorage) PurgeJourneys(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	in := placeholders(len(ids))
	args := idArgs(ids)
	if _, err := tx.ExecContext(ctx, rebind(s.postgres,
		`DELETE FROM journey_vehicles WHERE journey_id IN (`+in+`)`), args...); err != nil {
		return 0, fmt.Errorf("deleting journey vehicles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, rebind(s.postgres,
		`DELETE FROM journey_events WHERE journey_id IN (`+in+`)`), args...); err != nil {
		return 0, fmt.Errorf("deleting journey events: %w", err)
	}
	res, err := tx.ExecContext(ctx, rebind(s.postgres,
		`DELETE FROM journeys WHERE id IN (`+in+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting journeys: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted journeys: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *sqlStorage) Close() error {
	return s.db.Close()
}
