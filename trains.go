package simrail

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/dirty"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/snapshot"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

const (
	trainCollectorWorkers = 30
	trainCycleTimeout     = 20 * time.Second

	// The upstream reports 32767 km/h when a signal shows track speed.
	signalSpeedSentinel = 500
)

// journeySecondary is the cache secondary key: run ids are only unique
// per server.
func journeySecondary(serverID uuid.UUID, runID string) string {
	return serverID.String() + ":" + runID
}

func driverOf(td srapi.TrainData) model.User {
	switch {
	case td.ControlledBySteamID != nil:
		return model.User{Platform: model.PlatformSteam, ID: *td.ControlledBySteamID}
	case td.ControlledByXboxID != nil:
		return model.User{Platform: model.PlatformXbox, ID: *td.ControlledByXboxID}
	}
	return model.User{}
}

func signalOf(td srapi.TrainData) model.SignalInfo {
	if td.SignalInFront == nil || *td.SignalInFront == "" {
		return model.SignalInfo{}
	}
	name := *td.SignalInFront
	id := name
	if i := strings.IndexByte(name, '@'); i >= 0 {
		id = name[:i]
	}
	sig := model.SignalInfo{
		ID:       id,
		Name:     name,
		Distance: int(math.Round(td.DistanceToSignal/10)) * 10,
	}
	if td.SignalInFrontSpeed < signalSpeedSentinel {
		sig.MaxSpeed = td.SignalInFrontSpeed
	}
	return sig
}

func clampSpeed(v float64) int {
	speed := int(math.Round(v))
	if speed < 0 {
		return 0
	}
	return speed
}

// journeyHolder carries the live state of one active run. The dirty
// group makes change detection an atomic consume per cycle.
type journeyHolder struct {
	runID     string
	journeyID uuid.UUID
	vehicles  []string

	group      dirty.Group
	speed      *dirty.Field[int]
	position   *dirty.Field[model.GeoPosition]
	driver     *dirty.Field[model.User]       // zero value means nobody drives
	nextSignal *dirty.Field[model.SignalInfo] // zero value means no signal ahead
}

func newJourneyHolder(serverID uuid.UUID, runID string, vehicles []string) *journeyHolder {
	h := &journeyHolder{
		runID:     runID,
		journeyID: model.JourneyID(serverID, runID),
		vehicles:  append([]string(nil), vehicles...),
	}
	h.speed = dirty.NewField[int](&h.group)
	h.position = dirty.NewField[model.GeoPosition](&h.group)
	h.driver = dirty.NewField[model.User](&h.group)
	h.nextSignal = dirty.NewField[model.SignalInfo](&h.group)
	return h
}

type serverTrainData struct {
	// Guards the whole cycle for one server. A cycle that overran the
	// latch timeout may still be running when the next tick fires.
	mu sync.Mutex

	trainsEtag    string
	positionsEtag string
	trainToRun    map[string]string // upstream train id -> run id
	holders       map[string]*journeyHolder
}

// trainCollector diffs the live train feed of every server into the
// journey snapshots and feeds the realtime updater. Servers are
// processed in parallel on a bounded pool.
type trainCollector struct {
	panel   *srapi.PanelClient
	store   storage.Storage
	cache   *snapshot.Cache
	bus     bus.Publisher
	points  points.Provider
	updater *Updater
	logger  *zap.Logger
	pool    *workerPool

	mu   sync.Mutex
	data map[string]*serverTrainData // by server code
}

func (c *trainCollector) serverData(code string) *serverTrainData {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.data[code]
	if d == nil {
		d = &serverTrainData{
			trainToRun: map[string]string{},
			holders:    map[string]*journeyHolder{},
		}
		c.data[code] = d
	}
	return d
}

func (c *trainCollector) collect(ctx context.Context, servers []*model.Server) {
	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		submitted := c.pool.TrySubmit(func() {
			defer wg.Done()
			c.collectServer(ctx, srv)
		})
		if !submitted {
			// A rejected submission must release the latch or the
			// cycle stalls.
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(trainCycleTimeout):
		c.logger.Warn("train collection cycle overran",
			zap.Duration("timeout", trainCycleTimeout))
	}
}

func (c *trainCollector) collectServer(ctx context.Context, srv *model.Server) {
	data := c.serverData(srv.Code)
	if !data.mu.TryLock() {
		// The previous cycle for this server is still in flight; the
		// next tick retries.
		return
	}
	defer data.mu.Unlock()

	serverTime := time.Now().In(time.FixedZone("server", srv.UTCOffset))

	active := map[string]bool{}
	haveActive := false

	trains, etag, modified, err := c.panel.Trains(ctx, srv.Code, data.trainsEtag)
	if err != nil {
		c.logger.Warn("train list fetch failed",
			zap.String("server", srv.Code), zap.Error(err))
	} else if modified {
		data.trainsEtag = etag
		haveActive = true
		seenRuns := map[string]bool{}
		for i := range trains {
			t := &trains[i]
			if t.RunID == "" || seenRuns[t.RunID] {
				continue
			}
			seenRuns[t.RunID] = true

			holder := data.holders[t.RunID]
			if holder == nil {
				td := t.TrainData
				if td.Latitude == nil || td.Longitude == nil {
					continue
				}
				holder = newJourneyHolder(srv.ID, t.RunID, t.Vehicles)
				holder.speed.Set(clampSpeed(td.Velocity))
				holder.position.Set(model.GeoPosition{Latitude: *td.Latitude, Longitude: *td.Longitude})
				data.holders[t.RunID] = holder
			}
			data.trainToRun[t.ID] = t.RunID
			active[journeySecondary(srv.ID, t.RunID)] = true

			holder.driver.Set(driverOf(t.TrainData))
			holder.nextSignal.Set(signalOf(t.TrainData))
		}
	}

	positions, petag, pmodified, perr := c.panel.TrainPositions(ctx, srv.Code, data.positionsEtag)
	if perr != nil {
		c.logger.Warn("train positions fetch failed",
			zap.String("server", srv.Code), zap.Error(perr))
	} else if pmodified {
		data.positionsEtag = petag
		for i := range positions {
			p := &positions[i]
			holder := data.holders[data.trainToRun[p.ID]]
			if holder == nil {
				continue
			}
			holder.speed.Set(clampSpeed(p.Velocity))
			if p.Latitude != nil && p.Longitude != nil {
				holder.position.Set(model.GeoPosition{Latitude: *p.Latitude, Longitude: *p.Longitude})
			}
		}
	}

	for _, holder := range data.holders {
		mask := holder.group.ConsumeAny()
		if mask == 0 {
			continue
		}
		if err := c.publishJourney(ctx, srv, holder, mask, serverTime); err != nil {
			c.logger.Error("journey publish failed",
				zap.String("server", srv.Code),
				zap.String("run", holder.runID),
				zap.Error(err))
		}
	}

	if haveActive {
		c.reapMissing(ctx, srv, data, active, serverTime)
	}
}

func (c *trainCollector) publishJourney(ctx context.Context, srv *model.Server, holder *journeyHolder, mask uint64, serverTime time.Time) error {
	primary := holder.journeyID.String()
	prev, cached := c.cache.FindByPrimary(primary)

	var f *snapshot.Frame
	if cached {
		f = prev.Clone()
	} else {
		f = &snapshot.Frame{
			ID:      snapshot.ID{Data: holder.journeyID, Server: srv.ID, Foreign: holder.runID},
			Journey: &snapshot.JourneyData{},
		}
	}
	jd := f.Journey
	if jd == nil {
		jd = &snapshot.JourneyData{}
		f.Journey = jd
	}

	if dirty.Has(mask, holder.speed.Bit()) {
		if v, present := holder.speed.Get(); present {
			jd.Speed = v
		}
	}
	if dirty.Has(mask, holder.driver.Bit()) {
		if u, _ := holder.driver.Get(); u.ID == "" {
			jd.Driver = nil
		} else {
			jd.Driver = &u
		}
	}

	signalChanged := false
	if dirty.Has(mask, holder.nextSignal.Bit()) {
		oldID := ""
		if jd.NextSignal != nil {
			oldID = jd.NextSignal.ID
		}
		if s, _ := holder.nextSignal.Get(); s.Name == "" {
			jd.NextSignal = nil
		} else {
			jd.NextSignal = &s
			signalChanged = s.ID != oldID
		}
	}

	prevPointID := jd.CurrentPointID
	var pt *points.Point
	pointChanged := false
	if dirty.Has(mask, holder.position.Bit()) {
		if pos, present := holder.position.Get(); present {
			p := pos
			jd.Position = &p
			newPointID := ""
			if found, ok := c.points.PointAt(pos.Latitude, pos.Longitude); ok {
				pt = found
				newPointID = found.ID
			}
			if newPointID != jd.CurrentPointID {
				pointChanged = true
				jd.CurrentPointID = newPointID
			}
		}
	}

	if pointChanged && (prevPointID != "" || pt != nil) {
		var sig *model.SignalInfo
		if jd.NextSignal != nil {
			s := *jd.NextSignal
			sig = &s
		}
		c.updater.Enqueue(PointChange{
			JourneyID:   holder.journeyID,
			ServerTime:  serverTime,
			PrevPointID: prevPointID,
			Current:     pt,
			NextSignal:  sig,
		})
	} else if signalChanged && jd.CurrentPointID != "" {
		if cur, ok := c.points.PointByID(jd.CurrentPointID); ok {
			c.updater.Enqueue(SignalUpdate{
				JourneyID:  holder.journeyID,
				ServerTime: serverTime,
				Current:    cur,
				SignalName: jd.NextSignal.ID,
			})
		}
	}

	if !cached {
		now := time.Now().UTC()
		if err := c.store.SetJourneyFirstSeen(ctx, holder.journeyID, now); err != nil {
			return err
		}
		if len(holder.vehicles) > 0 {
			if err := c.store.ReplaceJourneyVehicles(ctx, holder.journeyID, holder.vehicles); err != nil {
				return err
			}
		}
	}

	f.Timestamp = c.cache.NextTimestamp(primary)
	if err := c.cache.Set(ctx, f); err != nil {
		return err
	}
	if c.bus != nil {
		return c.bus.PublishUpdate(bus.DomainJourney, f)
	}
	return nil
}

// reapMissing handles runs that disappeared from the live feed: mark
// last-seen, drop the snapshot, tombstone on the bus and let the
// updater cancel the remaining events.
func (c *trainCollector) reapMissing(ctx context.Context, srv *model.Server, data *serverTrainData, active map[string]bool, serverTime time.Time) {
	for _, f := range c.cache.FindBySecondaryNotIn(active) {
		if f.ID.Server != srv.ID {
			continue
		}
		journeyID := f.ID.Data
		if err := c.store.SetJourneyLastSeen(ctx, journeyID, time.Now().UTC()); err != nil {
			c.logger.Error("journey last-seen update failed",
				zap.String("journey", journeyID.String()), zap.Error(err))
		}
		if c.bus != nil {
			if err := c.bus.PublishRemoval(bus.DomainJourney, f); err != nil {
				c.logger.Warn("journey removal publish failed",
					zap.String("journey", journeyID.String()), zap.Error(err))
			}
		}
		if err := c.cache.RemoveByPrimary(ctx, journeyID.String()); err != nil {
			c.logger.Warn("journey cache removal failed",
				zap.String("journey", journeyID.String()), zap.Error(err))
		}
		c.updater.Enqueue(Removal{JourneyID: journeyID, ServerTime: serverTime})

		delete(data.holders, f.ID.Foreign)
		for trainID, runID := range data.trainToRun {
			if runID == f.ID.Foreign {
				delete(data.trainToRun, trainID)
			}
		}
	}
}
