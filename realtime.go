package simrail

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railhub.dev/simrail/model"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/storage"
)

const updaterAttempts = 5

// UpdateRequest is one observation handed to the realtime updater. The
// three variants are processed by a type switch; modelling them as one
// struct with nullable fields loses the distinction between "no signal
// observed" and "signal-only change".
type UpdateRequest interface {
	journey() uuid.UUID
}

// PointChange reports that a journey left PrevPointID and/or is now at
// Current. At least one of the two is set.
type PointChange struct {
	JourneyID   uuid.UUID
	ServerTime  time.Time
	PrevPointID string
	Current     *points.Point
	NextSignal  *model.SignalInfo
}

// SignalUpdate reports a new signal ahead while the journey stays at
// Current.
type SignalUpdate struct {
	JourneyID  uuid.UUID
	ServerTime time.Time
	Current    *points.Point
	SignalName string
}

// Removal reports that a journey disappeared from the live feed.
type Removal struct {
	JourneyID  uuid.UUID
	ServerTime time.Time
}

func (r PointChange) journey() uuid.UUID  { return r.JourneyID }
func (r SignalUpdate) journey() uuid.UUID { return r.JourneyID }
func (r Removal) journey() uuid.UUID      { return r.JourneyID }

// Updater is the single writer of journey events after the timetable
// build. Requests for one journey execute in enqueue order; one
// consumer goroutine drains the queue.
type Updater struct {
	store  storage.Storage
	points points.Provider
	logger *zap.Logger
	queue  chan UpdateRequest
}

func NewUpdater(store storage.Storage, provider points.Provider, logger *zap.Logger) *Updater {
	return &Updater{
		store:  store,
		points: provider,
		logger: logger,
		queue:  make(chan UpdateRequest, 1024),
	}
}

// Enqueue hands a request to the consumer. Blocks when the queue is
// full rather than dropping observations.
func (u *Updater) Enqueue(req UpdateRequest) {
	u.queue <- req
}

// Run consumes the queue until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-u.queue:
			u.process(ctx, req)
		}
	}
}

func (u *Updater) process(ctx context.Context, req UpdateRequest) {
	var err error
	for attempt := 1; attempt <= updaterAttempts; attempt++ {
		err = u.store.MutateJourneyEvents(ctx, req.journey(), func(events []*model.JourneyEvent) ([]*model.JourneyEvent, error) {
			return u.apply(req, events), nil
		})
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	u.logger.Error("realtime update failed",
		zap.String("journey", req.journey().String()),
		zap.Int("attempts", updaterAttempts),
		zap.Error(err))
}

// apply runs one request against the sorted event list and returns the
// list to persist, or nil when nothing changed.
func (u *Updater) apply(req UpdateRequest, events []*model.JourneyEvent) []*model.JourneyEvent {
	if len(events) == 0 {
		return nil
	}
	switch r := req.(type) {
	case Removal:
		if !u.applyRemoval(events) {
			return nil
		}
		return events
	case PointChange:
		changed := false
		if r.PrevPointID != "" {
			changed = u.applyDeparture(events, r) || changed
		}
		if r.Current != nil {
			var arrived bool
			events, arrived = u.applyArrival(events, r)
			changed = arrived || changed
		}
		if !changed {
			return nil
		}
		return events
	case SignalUpdate:
		if !u.applySignal(events, r) {
			return nil
		}
		return events
	}
	return nil
}

// applyRemoval cancels from the tail backwards until the first REAL or
// already-cancelled event.
func (u *Updater) applyRemoval(events []*model.JourneyEvent) bool {
	changed := false
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.RealtimeType == model.TimeTypeReal || ev.Cancelled {
			break
		}
		ev.Cancelled = true
		changed = true
	}
	return changed
}

func (u *Updater) applyDeparture(events []*model.JourneyEvent, r PointChange) bool {
	for i, ev := range events {
		if ev.Type == model.EventTypeDeparture && ev.PointID == r.PrevPointID {
			confirmAndRepredict(events, i, r.ServerTime)
			return true
		}
	}
	return false
}

func (u *Updater) applyArrival(events []*model.JourneyEvent, r PointChange) ([]*model.JourneyEvent, bool) {
	idx := -1
	for i, ev := range events {
		if ev.Type == model.EventTypeArrival && ev.PointID == r.Current.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		inserted, ok := insertJustInTime(events, r)
		if !ok {
			return events, false
		}
		events = inserted
		for i, ev := range events {
			if ev.Additional && ev.Type == model.EventTypeArrival && ev.PointID == r.Current.ID {
				idx = i
				break
			}
		}
	}

	arr := events[idx]
	u.inferPlatform(events, idx, r.NextSignal)
	if arr.RealtimeType != model.TimeTypeReal {
		confirmAndRepredict(events, idx, r.ServerTime)
	}
	return events, true
}

// insertJustInTime inserts an ARRIVAL/DEPARTURE pair for an observed
// visit to a point the timetable did not schedule. Gated: stopping
// points without a prefix are passable without scheduling; a journey
// with no confirmed departure yet has not started; a last REAL
// departure from the same point means the player reversed or respawned.
func insertJustInTime(events []*model.JourneyEvent, r PointChange) ([]*model.JourneyEvent, bool) {
	if r.Current.Prefix == "" {
		return events, false
	}
	var prev *model.JourneyEvent
	sawRealDeparture := false
	for _, ev := range events {
		if ev.RealtimeType == model.TimeTypeReal {
			prev = ev
			if ev.Type == model.EventTypeDeparture {
				sawRealDeparture = true
			}
		}
	}
	if prev == nil || !sawRealDeparture {
		return events, false
	}
	if prev.Type == model.EventTypeDeparture && prev.PointID == r.Current.ID {
		return events, false
	}

	maxSpeed := 0
	for _, ev := range events {
		if ev.Transport.MaxSpeed > maxSpeed {
			maxSpeed = ev.Transport.MaxSpeed
		}
	}
	if maxSpeed == 0 || r.Current.MaxSpeed < maxSpeed {
		maxSpeed = r.Current.MaxSpeed
	}
	transport := prev.Transport
	transport.MaxSpeed = maxSpeed

	when := roundToMinute(r.ServerTime)
	arr := &model.JourneyEvent{
		ID:               model.AdditionalEventID(prev.JourneyID, r.Current.ID, prev.ID, model.EventTypeArrival),
		JourneyID:        prev.JourneyID,
		Type:             model.EventTypeArrival,
		Index:            prev.Index + 1,
		PointID:          r.Current.ID,
		Transport:        transport,
		ScheduledTime:    when,
		RealtimeTime:     when,
		RealtimeType:     model.TimeTypeReal,
		StopType:         model.StopTypeNone,
		Additional:       true,
		InPlayableBorder: prev.InPlayableBorder,
	}
	dep := &model.JourneyEvent{
		ID:               model.AdditionalEventID(prev.JourneyID, r.Current.ID, prev.ID, model.EventTypeDeparture),
		JourneyID:        prev.JourneyID,
		Type:             model.EventTypeDeparture,
		Index:            prev.Index + 2,
		PointID:          r.Current.ID,
		Transport:        transport,
		ScheduledTime:    when,
		RealtimeTime:     when,
		RealtimeType:     model.TimeTypePrediction,
		StopType:         model.StopTypeNone,
		Additional:       true,
		InPlayableBorder: prev.InPlayableBorder,
	}

	events = append(events, arr, dep)
	sort.Slice(events, func(i, j int) bool { return events[i].Index < events[j].Index })
	return events, true
}

// inferPlatform sets the realised track and platform on a passenger
// arrival (and its paired departure) from the signal the train faces.
func (u *Updater) inferPlatform(events []*model.JourneyEvent, idx int, signal *model.SignalInfo) {
	arr := events[idx]
	if arr.StopType != model.StopTypePassenger || signal == nil {
		return
	}
	info, ok := u.points.PlatformBySignal(arr.PointID, signal.ID)
	if !ok {
		return
	}
	stop := &model.StopInfo{Track: info.Track, Platform: info.Platform}
	arr.RealtimeStop = stop
	if idx+1 < len(events) && events[idx+1].Type == model.EventTypeDeparture && events[idx+1].PointID == arr.PointID {
		s := *stop
		events[idx+1].RealtimeStop = &s
	}
}

func (u *Updater) applySignal(events []*model.JourneyEvent, r SignalUpdate) bool {
	for i, ev := range events {
		if ev.Type != model.EventTypeArrival || ev.PointID != r.Current.ID || ev.StopType != model.StopTypePassenger {
			continue
		}
		info, ok := u.points.PlatformBySignal(ev.PointID, r.SignalName)
		if !ok {
			return false
		}
		stop := &model.StopInfo{Track: info.Track, Platform: info.Platform}
		ev.RealtimeStop = stop
		if i+1 < len(events) && events[i+1].Type == model.EventTypeDeparture && events[i+1].PointID == ev.PointID {
			s := *stop
			events[i+1].RealtimeStop = &s
		}
		return true
	}
	return false
}

// roundToMinute truncates sub-second precision and rounds the seconds
// half-up to a whole minute.
func roundToMinute(t time.Time) time.Time {
	t = t.Truncate(time.Second)
	if t.Second() >= 30 {
		return t.Truncate(time.Minute).Add(time.Minute)
	}
	return t.Truncate(time.Minute)
}

// confirmAndRepredict marks events[idx] as directly observed and
// propagates the observation: everything before that is not REAL gets
// cancelled (the train cannot visit it any more), everything after gets
// a new predicted time from the scheduled deltas.
func confirmAndRepredict(events []*model.JourneyEvent, idx int, serverTime time.Time) {
	confirmed := events[idx]
	confirmed.Cancelled = false
	confirmed.RealtimeTime = serverTime
	confirmed.RealtimeType = model.TimeTypeReal

	for i := idx - 1; i >= 0; i-- {
		if events[i].RealtimeType != model.TimeTypeReal {
			events[i].Cancelled = true
		}
	}

	last := confirmed
	for i := idx + 1; i < len(events); i++ {
		ev := events[i]
		if ev.RealtimeType == model.TimeTypeReal {
			// REAL is permanent; re-anchor the walk on it.
			last = ev
			continue
		}

		var predicted time.Time
		if ev.Type == model.EventTypeArrival {
			predicted = last.RealtimeTime.Add(ev.ScheduledTime.Sub(last.ScheduledTime))
		} else {
			delay := last.RealtimeTime.Sub(last.ScheduledTime)
			stop := ev.ScheduledTime.Sub(last.ScheduledTime)
			switch ev.StopType {
			case model.StopTypeTechnical:
				predicted = catchUp(ev.ScheduledTime, delay, stop)
			case model.StopTypePassenger:
				// All but the final minute of a passenger stop is
				// skippable.
				if skippable := stop - time.Minute; skippable > 0 {
					predicted = catchUp(ev.ScheduledTime, delay, skippable)
				} else {
					predicted = last.RealtimeTime.Add(stop)
					if predicted.Before(ev.ScheduledTime) {
						predicted = ev.ScheduledTime
					}
				}
			default:
				predicted = last.RealtimeTime
			}
		}
		predicted = roundToMinute(predicted)

		wasCancelled := ev.Cancelled
		ev.Cancelled = false
		ev.RealtimeTime = predicted
		ev.RealtimeType = model.TimeTypePrediction
		last = ev
		if !wasCancelled && predicted.Equal(ev.ScheduledTime) {
			// Back on schedule; downstream predictions would all equal
			// the schedule anyway.
			break
		}
	}
}

// catchUp applies the stop-shortening rule: the stop absorbs up to its
// full length of accumulated delay.
func catchUp(scheduled time.Time, delay, stop time.Duration) time.Time {
	if rest := delay - stop; rest > 0 {
		return scheduled.Add(rest)
	}
	return scheduled
}
