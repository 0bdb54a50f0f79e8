package simrail

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railhub.dev/simrail/model"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
)

const timetableTimeLayout = "2006-01-02 15:04:05"

func stopTypeOf(s string) model.StopType {
	switch s {
	case "CommercialStop", "PH":
		return model.StopTypePassenger
	case "NoncommercialStop", "PT":
		return model.StopTypeTechnical
	default:
		return model.StopTypeNone
	}
}

// platformNumber converts the roman numeral platform designator the
// upstream uses ("I".."XII") to its number. Returns 0 for anything it
// cannot read.
func platformNumber(s string) int {
	values := map[byte]int{'I': 1, 'V': 5, 'X': 10}
	total, prev := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		v, ok := values[s[i]]
		if !ok {
			return 0
		}
		if v < prev {
			total -= v
		} else {
			total += v
			prev = v
		}
	}
	return total
}

// One timetable entry after the fixup pass.
type builtEntry struct {
	raw      srapi.TimetableEntry
	point    *points.Point // nil when the reference data does not know it
	stopType model.StopType
	inBorder bool
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fixupEntries merges split entries for the same physical point (the
// simulation sometimes emits one entry per alias id) and drops repeat
// visits, producing an in-route unique-point sequence. Entries for
// unknown points are retained here and skipped at emission.
func fixupEntries(entries []srapi.TimetableEntry, provider points.Provider) []*builtEntry {
	var fixed []*builtEntry
	seen := map[string]bool{}
	for i, raw := range entries {
		e := &builtEntry{raw: raw, stopType: stopTypeOf(raw.StopType)}
		pt, known := provider.PointByID(raw.PointID)
		if known {
			e.point = pt
		}
		if i == 0 {
			fixed = append(fixed, e)
			if known {
				seen[pt.ID] = true
			}
			continue
		}
		if !known {
			fixed = append(fixed, e)
			continue
		}
		tail := fixed[len(fixed)-1]
		if containsID(pt.SimRailIDs, tail.raw.PointID) {
			mergeEntries(tail, e)
			seen[pt.ID] = true
			continue
		}
		if seen[pt.ID] {
			continue
		}
		seen[pt.ID] = true
		fixed = append(fixed, e)
	}
	return fixed
}

// mergeEntries folds e into tail: the stay at the point spans both
// entries, so the departure moves to e's and the "bigger" stop type
// wins together with its track, platform and station category.
func mergeEntries(tail, e *builtEntry) {
	if e.raw.MaxSpeed > tail.raw.MaxSpeed {
		tail.raw.MaxSpeed = e.raw.MaxSpeed
	}
	tail.raw.DepartureTime = e.raw.DepartureTime
	if e.stopType > tail.stopType {
		tail.stopType = e.stopType
		tail.raw.StopType = e.raw.StopType
		tail.raw.Track = e.raw.Track
		tail.raw.Platform = e.raw.Platform
		tail.raw.StationCategory = e.raw.StationCategory
	}
}

// markBorders assigns each entry the in-playable-border state that held
// before its own crossing applies: events at an entry border point are
// still outside, events at an exit border point are still inside. A
// border point with a required-next list only counts as an entry when
// the next entry's point is in that list.
func markBorders(fixed []*builtEntry, provider points.Provider) {
	inBorder := false
	for i, e := range fixed {
		e.inBorder = inBorder
		bp, ok := provider.BorderPoint(e.raw.PointID)
		if !ok {
			continue
		}
		if inBorder {
			inBorder = false
			continue
		}
		if len(bp.RequiredNext) == 0 {
			inBorder = true
			continue
		}
		if i+1 < len(fixed) && bp.Requires(fixed[i+1].raw.PointID) {
			inBorder = true
		}
	}
}

func clockSeconds(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// BuildJourneyEvents turns one raw run timetable into the canonical
// event list: merged and deduplicated entries, border annotations,
// carried-forward event times, inferred stop types and stable indexes.
// Returns nil when nothing usable remains.
func BuildJourneyEvents(journeyID uuid.UUID, tt *srapi.Timetable, provider points.Provider, utcOffset int) []*model.JourneyEvent {
	if len(tt.Timetable) == 0 {
		return nil
	}
	fixed := fixupEntries(tt.Timetable, provider)
	markBorders(fixed, provider)
	events := emitEvents(journeyID, tt, fixed, time.FixedZone("server", utcOffset))
	events = cleanupEnds(events)
	indexEvents(events)
	return events
}

func emitEvents(journeyID uuid.UUID, tt *srapi.Timetable, fixed []*builtEntry, loc *time.Location) []*model.JourneyEvent {
	var events []*model.JourneyEvent

	// Event times are carried forward clock-to-clock from the previous
	// event; the upstream date components drift and only the first
	// event's is trusted.
	var prevTime time.Time
	prevClock := -1
	nextTime := func(raw string) (time.Time, bool) {
		parsed, err := time.ParseInLocation(timetableTimeLayout, raw, loc)
		if err != nil {
			return time.Time{}, false
		}
		clock := clockSeconds(parsed)
		if prevClock < 0 {
			prevTime, prevClock = parsed, clock
			return parsed, true
		}
		d := clock - prevClock
		if d < 0 {
			d += 24 * 3600
		}
		prevTime = prevTime.Add(time.Duration(d) * time.Second)
		prevClock = clock
		return prevTime, true
	}

	for i, e := range fixed {
		if e.point == nil {
			continue
		}

		arrivalRaw, departureRaw := e.raw.ArrivalTime, e.raw.DepartureTime
		if arrivalRaw == nil {
			arrivalRaw = departureRaw
		}
		if departureRaw == nil {
			departureRaw = arrivalRaw
		}
		if arrivalRaw == nil {
			continue
		}

		transport := transportFor(tt.TrainName, e.raw.TrainType, tt.TrainNoLocal, e.raw.MaxSpeed)
		var stop *model.StopInfo
		if e.stopType == model.StopTypePassenger && e.raw.Track != nil && e.raw.Platform != nil {
			stop = &model.StopInfo{Track: *e.raw.Track, Platform: platformNumber(*e.raw.Platform)}
		}

		if i > 0 {
			if t, ok := nextTime(*arrivalRaw); ok {
				events = append(events, newScheduledEvent(journeyID, model.EventTypeArrival, e, transport, stop, t))
			}
		}
		if i < len(fixed)-1 {
			if t, ok := nextTime(*departureRaw); ok {
				events = append(events, newScheduledEvent(journeyID, model.EventTypeDeparture, e, transport, stop, t))
				inferStop(journeyID, events)
			}
		}
	}
	return events
}

func newScheduledEvent(journeyID uuid.UUID, typ model.EventType, e *builtEntry, transport model.Transport, stop *model.StopInfo, t time.Time) *model.JourneyEvent {
	var stopCopy *model.StopInfo
	if stop != nil {
		s := *stop
		stopCopy = &s
	}
	return &model.JourneyEvent{
		ID:               model.EventID(journeyID, e.point.ID, t, typ),
		JourneyID:        journeyID,
		Type:             typ,
		PointID:          e.point.ID,
		Transport:        transport,
		ScheduledTime:    t,
		RealtimeTime:     t,
		RealtimeType:     model.TimeTypeSchedule,
		StopType:         e.stopType,
		ScheduledStop:    stopCopy,
		InPlayableBorder: e.inBorder,
	}
}

// inferStop reconciles the freshly emitted departure with its paired
// arrival. A gap with no marked stop means a technical stop; an
// explicit passenger stop with no gap gets the minimum realised gap of
// 30 seconds; equal times otherwise mean no stop at all.
func inferStop(journeyID uuid.UUID, events []*model.JourneyEvent) {
	if len(events) < 2 {
		return
	}
	dep := events[len(events)-1]
	arr := events[len(events)-2]
	if arr.Type != model.EventTypeArrival || arr.PointID != dep.PointID {
		return
	}
	gap := !dep.ScheduledTime.Equal(arr.ScheduledTime)
	switch {
	case gap && arr.StopType == model.StopTypeNone && dep.StopType == model.StopTypeNone:
		arr.StopType = model.StopTypeTechnical
		dep.StopType = model.StopTypeTechnical
	case !gap && dep.StopType == model.StopTypePassenger:
		dep.ScheduledTime = dep.ScheduledTime.Add(30 * time.Second)
		dep.RealtimeTime = dep.ScheduledTime
		dep.ID = model.EventID(journeyID, dep.PointID, dep.ScheduledTime, dep.Type)
	case !gap && dep.StopType != model.StopTypePassenger:
		arr.StopType = model.StopTypeNone
		dep.StopType = model.StopTypeNone
	}
}

// cleanupEnds enforces departure-first, arrival-last. A technical stop
// on a dropped event is cleared on its replacement.
func cleanupEnds(events []*model.JourneyEvent) []*model.JourneyEvent {
	for len(events) > 0 && events[0].Type == model.EventTypeArrival {
		dropped := events[0]
		events = events[1:]
		if dropped.StopType == model.StopTypeTechnical && len(events) > 0 {
			events[0].StopType = model.StopTypeNone
		}
	}
	for len(events) > 0 && events[len(events)-1].Type == model.EventTypeDeparture {
		dropped := events[len(events)-1]
		events = events[:len(events)-1]
		if dropped.StopType == model.StopTypeTechnical && len(events) > 0 {
			events[len(events)-1].StopType = model.StopTypeNone
		}
	}
	return events
}

// indexEvents assigns the stable sort keys: 0 for the head, then k*100
// for the k-th arrival and k*100+1 for its paired departure. The gaps
// leave room for just-in-time inserts.
func indexEvents(events []*model.JourneyEvent) {
	k := 1
	for i, ev := range events {
		if i == 0 {
			ev.Index = 0
			continue
		}
		if ev.Type == model.EventTypeArrival {
			ev.Index = k * 100
		} else {
			ev.Index = k*100 + 1
			k++
		}
	}
}

// timetableCollector periodically rebuilds the canonical event lists of
// every scheduled run per server.
type timetableCollector struct {
	aws    *srapi.AWSClient
	store  storage.Storage
	points points.Provider
	logger *zap.Logger
}

func (c *timetableCollector) collect(ctx context.Context, servers []*model.Server) {
	for _, srv := range servers {
		if err := c.collectServer(ctx, srv); err != nil {
			c.logger.Error("timetable collection failed",
				zap.String("server", srv.Code), zap.Error(err))
		}
	}
}

func (c *timetableCollector) collectServer(ctx context.Context, srv *model.Server) error {
	runs, err := c.aws.Timetables(ctx, srv.Code)
	if err != nil {
		return err
	}

	// Duplicate run ids within one payload are upstream noise; the
	// first occurrence wins.
	byRun := map[string]*srapi.Timetable{}
	var runIDs []string
	for i := range runs {
		run := &runs[i]
		if run.RunID == "" || byRun[run.RunID] != nil {
			continue
		}
		byRun[run.RunID] = run
		runIDs = append(runIDs, run.RunID)
	}

	known, err := c.store.JourneysByRunID(ctx, srv.ID, runIDs)
	if err != nil {
		return err
	}
	knownByRun := map[string]*model.Journey{}
	for _, j := range known {
		knownByRun[j.ForeignRunID] = j
	}

	for _, runID := range runIDs {
		run := byRun[runID]
		if len(run.Timetable) == 0 {
			continue
		}

		journeyID := model.JourneyID(srv.ID, runID)
		existing := knownByRun[runID]
		if existing != nil && existing.ID != journeyID {
			// The run resurfaced under a different stable id; wipe the
			// old journey before inserting the new one.
			if err := c.store.DeleteJourney(ctx, existing.ID); err != nil {
				return err
			}
			existing = nil
		}
		if existing == nil {
			err := c.store.InsertJourney(ctx, &model.Journey{
				ID:           journeyID,
				ForeignRunID: runID,
				ServerID:     srv.ID,
				UpdatedAt:    time.Now().UTC(),
			})
			if err != nil {
				return err
			}
		} else if existing.FirstSeenTime != nil {
			// Never rewrite the timetable of a journey already live;
			// the realtime updater owns its events now.
			continue
		}

		built := BuildJourneyEvents(journeyID, run, c.points, srv.UTCOffset)
		if len(built) == 0 {
			continue
		}
		current, err := c.store.JourneyEvents(ctx, journeyID)
		if err != nil {
			return err
		}
		if scheduledDataEqual(current, built) {
			continue
		}
		if err := c.store.ReplaceJourneyEvents(ctx, journeyID, built); err != nil {
			return err
		}
	}
	return nil
}

func stopInfoEqual(a, b *model.StopInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// scheduledDataEqual compares two event lists on scheduled data only,
// ignoring realtime state.
func scheduledDataEqual(a, b []*model.JourneyEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Type != y.Type || x.Index != y.Index || x.PointID != y.PointID ||
			x.Transport != y.Transport || !x.ScheduledTime.Equal(y.ScheduledTime) ||
			x.StopType != y.StopType || x.InPlayableBorder != y.InPlayableBorder ||
			!stopInfoEqual(x.ScheduledStop, y.ScheduledStop) {
			return false
		}
	}
	return true
}
