package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"railhub.dev/simrail/model"
)

// MemoryStorage keeps everything in maps. Only meant for tests.
type MemoryStorage struct {
	mu       sync.Mutex
	servers  map[uuid.UUID]*model.Server
	journeys map[uuid.UUID]*model.Journey
	events   map[uuid.UUID][]*model.JourneyEvent
	vehicles map[uuid.UUID][]string
	posts    map[uuid.UUID]*model.DispatchPost
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		servers:  map[uuid.UUID]*model.Server{},
		journeys: map[uuid.UUID]*model.Journey{},
		events:   map[uuid.UUID][]*model.JourneyEvent{},
		vehicles: map[uuid.UUID][]string{},
		posts:    map[uuid.UUID]*model.DispatchPost{},
	}
}

func cloneServer(s *model.Server) *model.Server {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	return &c
}

func cloneJourney(j *model.Journey) *model.Journey {
	c := *j
	if j.FirstSeenTime != nil {
		t := *j.FirstSeenTime
		c.FirstSeenTime = &t
	}
	if j.LastSeenTime != nil {
		t := *j.LastSeenTime
		c.LastSeenTime = &t
	}
	return &c
}

func cloneEvent(ev *model.JourneyEvent) *model.JourneyEvent {
	c := *ev
	if ev.ScheduledStop != nil {
		s := *ev.ScheduledStop
		c.ScheduledStop = &s
	}
	if ev.RealtimeStop != nil {
		s := *ev.RealtimeStop
		c.RealtimeStop = &s
	}
	return &c
}

func cloneEvents(events []*model.JourneyEvent) []*model.JourneyEvent {
	out := make([]*model.JourneyEvent, len(events))
	for i, ev := range events {
		out[i] = cloneEvent(ev)
	}
	return out
}

func clonePost(p *model.DispatchPost) *model.DispatchPost {
	c := *p
	c.ImageURLs = append([]string(nil), p.ImageURLs...)
	if p.Dispatcher != nil {
		u := *p.Dispatcher
		c.Dispatcher = &u
	}
	return &c
}

func (m *MemoryStorage) UpsertServer(_ context.Context, srv *model.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[srv.ID] = cloneServer(srv)
	return nil
}

func (m *MemoryStorage) Servers(context.Context) ([]*model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, cloneServer(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStorage) MarkServerDeleted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[id]; ok {
		s.Deleted = true
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) InsertJourney(_ context.Context, j *model.Journey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.journeys[j.ID]; ok {
		cur.Cancelled = j.Cancelled
		cur.UpdatedAt = j.UpdatedAt
		return nil
	}
	m.journeys[j.ID] = cloneJourney(j)
	return nil
}

func (m *MemoryStorage) DeleteJourney(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journeys, id)
	delete(m.events, id)
	delete(m.vehicles, id)
	return nil
}

func (m *MemoryStorage) JourneysByRunID(_ context.Context, serverID uuid.UUID, runIDs []string) ([]*model.Journey, error) {
	wanted := map[string]bool{}
	for _, id := range runIDs {
		wanted[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Journey
	for _, j := range m.journeys {
		if j.ServerID == serverID && wanted[j.ForeignRunID] {
			out = append(out, cloneJourney(j))
		}
	}
	return out, nil
}

func (m *MemoryStorage) SetJourneyFirstSeen(_ context.Context, id uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.journeys[id]; ok && j.FirstSeenTime == nil {
		utc := t.UTC()
		j.FirstSeenTime = &utc
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) SetJourneyLastSeen(_ context.Context, id uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.journeys[id]; ok {
		utc := t.UTC()
		j.LastSeenTime = &utc
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) JourneyEvents(_ context.Context, journeyID uuid.UUID) ([]*model.JourneyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEvents(m.events[journeyID]), nil
}

func (m *MemoryStorage) ReplaceJourneyEvents(_ context.Context, journeyID uuid.UUID, events []*model.JourneyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[journeyID] = cloneEvents(events)
	if j, ok := m.journeys[journeyID]; ok {
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) MutateJourneyEvents(_ context.Context, journeyID uuid.UUID, fn func([]*model.JourneyEvent) ([]*model.JourneyEvent, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutated, err := fn(cloneEvents(m.events[journeyID]))
	if err != nil {
		return err
	}
	if mutated == nil {
		return nil
	}
	byID := map[uuid.UUID]*model.JourneyEvent{}
	for _, ev := range m.events[journeyID] {
		byID[ev.ID] = ev
	}
	for _, ev := range mutated {
		byID[ev.ID] = cloneEvent(ev)
	}
	all := make([]*model.JourneyEvent, 0, len(byID))
	for _, ev := range byID {
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	m.events[journeyID] = all
	if j, ok := m.journeys[journeyID]; ok {
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStorage) ReplaceJourneyVehicles(_ context.Context, journeyID uuid.UUID, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[journeyID] = append([]string(nil), names...)
	return nil
}

// JourneyVehicles is a test helper, not part of the Storage interface.
func (m *MemoryStorage) JourneyVehicles(journeyID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.vehicles[journeyID]...)
}

func (m *MemoryStorage) UpsertDispatchPost(_ context.Context, post *model.DispatchPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[post.ID] = clonePost(post)
	return nil
}

func (m *MemoryStorage) MarkDispatchPostDeleted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.posts[id]; ok {
		p.Deleted = true
		p.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// DispatchPosts is a test helper, not part of the Storage interface.
func (m *MemoryStorage) DispatchPosts() []*model.DispatchPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DispatchPost, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MemoryStorage) JourneysToCancel(_ context.Context, serverID uuid.UUID, before time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, j := range m.journeys {
		if j.ServerID != serverID || j.Cancelled || j.FirstSeenTime != nil {
			continue
		}
		var departures []*model.JourneyEvent
		for _, ev := range m.events[id] {
			if ev.Type == model.EventTypeDeparture && ev.InPlayableBorder {
				departures = append(departures, ev)
			}
		}
		if len(departures) < 2 {
			continue
		}
		sort.Slice(departures, func(i, j int) bool { return departures[i].Index < departures[j].Index })
		if departures[1].ScheduledTime.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStorage) CancelJourneys(_ context.Context, ids []uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if j, ok := m.journeys[id]; ok {
			j.Cancelled = true
			j.UpdatedAt = now.UTC()
		}
		for _, ev := range m.events[id] {
			ev.Cancelled = true
		}
	}
	return nil
}

func (m *MemoryStorage) StaleJourneys(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, j := range m.journeys {
		if j.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStorage) PurgeJourneys(_ context.Context, ids []uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range ids {
		if _, ok := m.journeys[id]; ok {
			count++
		}
		delete(m.journeys, id)
		delete(m.events, id)
		delete(m.vehicles, id)
	}
	return count, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
