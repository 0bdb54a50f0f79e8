package simrail_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railhub.dev/simrail"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/testutil"
)

const testOffset = 2 * 60 * 60

var (
	testZone      = time.FixedZone("server", testOffset)
	testServerID  = model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718")
	testJourneyID = model.JourneyID(testServerID, "run-1")
)

func ts(clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-08-01 "+clock, testZone)
	if err != nil {
		panic(err)
	}
	return t
}

func entry(pointID, arr, dep string) srapi.TimetableEntry {
	e := srapi.TimetableEntry{PointID: pointID, StopType: "NoStopOver", TrainType: "ROJ", MaxSpeed: 120}
	if arr != "" {
		a := arr
		e.ArrivalTime = &a
	}
	if dep != "" {
		d := dep
		e.DepartureTime = &d
	}
	return e
}

func passengerEntry(e srapi.TimetableEntry, track int, platform string) srapi.TimetableEntry {
	e.StopType = "CommercialStop"
	e.Track = &track
	e.Platform = &platform
	return e
}

func timetable(entries ...srapi.TimetableEntry) *srapi.Timetable {
	return &srapi.Timetable{
		TrainNoLocal: "14100",
		TrainName:    `ROJ - "Piast" - S1`,
		RunID:        "run-1",
		Timetable:    entries,
	}
}

func TestBuildJourneyEventsBasic(t *testing.T) {
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 10:00:00"),
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
		passengerEntry(entry("sr-c", "2024-08-01 10:20:00", "2024-08-01 10:25:00"), 2, "II"),
		entry("sr-d", "2024-08-01 10:35:00", "2024-08-01 10:35:00"),
		entry("sr-e", "2024-08-01 10:45:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 8)

	// Departure first, arrival last, strictly increasing indexes,
	// every interior arrival paired with a departure at the same point.
	assert.Equal(t, model.EventTypeDeparture, events[0].Type)
	assert.Equal(t, model.EventTypeArrival, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Index, events[i-1].Index)
	}
	for i := 1; i < len(events)-1; i += 2 {
		assert.Equal(t, model.EventTypeArrival, events[i].Type)
		assert.Equal(t, model.EventTypeDeparture, events[i+1].Type)
		assert.Equal(t, events[i].PointID, events[i+1].PointID)
	}

	assert.Equal(t, []int{0, 100, 101, 200, 201, 300, 301, 400}, indexesOf(events))
	assert.Equal(t, []string{"pa", "pb", "pb", "pc", "pc", "pd", "pd", "pe"}, pointsOf(events))

	head := events[0]
	assert.True(t, head.ScheduledTime.Equal(ts("10:00:00")))
	assert.True(t, head.RealtimeTime.Equal(head.ScheduledTime))
	assert.Equal(t, model.TimeTypeSchedule, head.RealtimeType)
	assert.Equal(t, testJourneyID, head.JourneyID)

	// Passenger stop at Charlie with parsed roman platform.
	arrC, depC := events[3], events[4]
	assert.Equal(t, model.StopTypePassenger, arrC.StopType)
	require.NotNil(t, depC.ScheduledStop)
	assert.Equal(t, model.StopInfo{Track: 2, Platform: 2}, *depC.ScheduledStop)
	assert.True(t, depC.ScheduledTime.Equal(ts("10:25:00")))

	transport := head.Transport
	assert.Equal(t, "ROJ", transport.Category)
	assert.Equal(t, "14100", transport.Number)
	assert.Equal(t, "Piast", transport.Label)
	assert.Equal(t, "S1", transport.Line)
	assert.Equal(t, model.TransportTypeRegionalTrain, transport.Type)
	assert.Equal(t, 120, transport.MaxSpeed)
}

func TestBuildJourneyEventsBorder(t *testing.T) {
	// Bravo is a border point requiring Charlie next; Delta is a plain
	// border point. Only the events at Charlie and Delta are inside.
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 10:00:00"),
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
		entry("sr-c", "2024-08-01 10:20:00", "2024-08-01 10:20:00"),
		entry("sr-d", "2024-08-01 10:35:00", "2024-08-01 10:35:00"),
		entry("sr-e", "2024-08-01 10:45:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 8)
	inBorder := map[string]bool{}
	for _, ev := range events {
		inBorder[ev.PointID] = ev.InPlayableBorder
	}
	assert.Equal(t, map[string]bool{
		"pa": false, "pb": false, "pc": true, "pd": true, "pe": false,
	}, inBorder)
}

func TestBuildJourneyEventsBorderRequiredNextMiss(t *testing.T) {
	// Skipping Charlie means the crossing at Bravo never counts.
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 10:00:00"),
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
		entry("sr-e", "2024-08-01 10:45:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 4)
	for _, ev := range events {
		assert.False(t, ev.InPlayableBorder, "point %s", ev.PointID)
	}
}

func TestBuildJourneyEventsMergesAliasEntries(t *testing.T) {
	// Alpha appears twice under two alias ids: the stay spans both
	// entries and the passenger stop from the second wins.
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		func() srapi.TimetableEntry {
			e := entry("sr-a", "", "2024-08-01 10:00:00")
			e.MaxSpeed = 100
			return e
		}(),
		passengerEntry(entry("sr-a2", "2024-08-01 10:00:00", "2024-08-01 10:05:00"), 1, "I"),
		entry("sr-b", "2024-08-01 10:15:00", "2024-08-01 10:15:00"),
		entry("sr-c", "2024-08-01 10:25:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 4)
	head := events[0]
	assert.Equal(t, "pa", head.PointID)
	assert.True(t, head.ScheduledTime.Equal(ts("10:05:00")))
	assert.Equal(t, model.StopTypePassenger, head.StopType)
	assert.Equal(t, 120, head.Transport.MaxSpeed)
	require.NotNil(t, head.ScheduledStop)
	assert.Equal(t, model.StopInfo{Track: 1, Platform: 1}, *head.ScheduledStop)
}

func TestBuildJourneyEventsStopInference(t *testing.T) {
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 10:00:00"),
		// Gap with no marked stop: technical.
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:13:00"),
		// Passenger stop with equal times: minimum gap bump.
		passengerEntry(entry("sr-c", "2024-08-01 10:20:00", "2024-08-01 10:20:00"), 1, "I"),
		entry("sr-e", "2024-08-01 10:45:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 6)

	arrB, depB := events[1], events[2]
	assert.Equal(t, model.StopTypeTechnical, arrB.StopType)
	assert.Equal(t, model.StopTypeTechnical, depB.StopType)

	arrC, depC := events[3], events[4]
	assert.Equal(t, model.StopTypePassenger, depC.StopType)
	assert.True(t, arrC.ScheduledTime.Equal(ts("10:20:00")))
	assert.True(t, depC.ScheduledTime.Equal(ts("10:20:30")))
	assert.True(t, depC.RealtimeTime.Equal(depC.ScheduledTime))
}

func TestBuildJourneyEventsHeadCleanup(t *testing.T) {
	// The first entry's point is unknown, so the list would start with
	// an arrival; it gets dropped and its inferred technical stop is
	// cleared on the replacement head.
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-unknown", "", "2024-08-01 10:00:00"),
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:12:00"),
		entry("sr-c", "2024-08-01 10:20:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventTypeDeparture, events[0].Type)
	assert.Equal(t, "pb", events[0].PointID)
	assert.Equal(t, model.StopTypeNone, events[0].StopType)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, model.EventTypeArrival, events[1].Type)
	assert.Equal(t, 100, events[1].Index)
}

func TestBuildJourneyEventsMidnightWrap(t *testing.T) {
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 23:50:00"),
		entry("sr-b", "2024-08-01 00:10:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 2)
	assert.Equal(t, 20*time.Minute, events[1].ScheduledTime.Sub(events[0].ScheduledTime))
}

func TestBuildJourneyEventsRepeatVisitSkipped(t *testing.T) {
	events := simrail.BuildJourneyEvents(testJourneyID, timetable(
		entry("sr-a", "", "2024-08-01 10:00:00"),
		entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
		entry("sr-a", "2024-08-01 10:15:00", "2024-08-01 10:15:00"),
		entry("sr-c", "2024-08-01 10:30:00", ""),
	), testutil.Network(), testOffset)

	require.Len(t, events, 4)
	assert.Equal(t, []string{"pa", "pb", "pb", "pc"}, pointsOf(events))
}

func TestBuildJourneyEventsDeterministicIDs(t *testing.T) {
	build := func() []*model.JourneyEvent {
		return simrail.BuildJourneyEvents(testJourneyID, timetable(
			entry("sr-a", "", "2024-08-01 10:00:00"),
			entry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
			entry("sr-c", "2024-08-01 10:20:00", ""),
		), testutil.Network(), testOffset)
	}
	first, second := build(), build()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestBuildJourneyEventsEmpty(t *testing.T) {
	assert.Nil(t, simrail.BuildJourneyEvents(testJourneyID, &srapi.Timetable{RunID: "run-1"}, testutil.Network(), testOffset))
}

func indexesOf(events []*model.JourneyEvent) []int {
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = ev.Index
	}
	return out
}

func pointsOf(events []*model.JourneyEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.PointID
	}
	return out
}
