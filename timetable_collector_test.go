package simrail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railhub.dev/simrail/model"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
	"railhub.dev/simrail/testutil"
)

func ttEntry(pointID, arr, dep string) srapi.TimetableEntry {
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

func TestTimetableCollector(t *testing.T) {
	payload := []srapi.Timetable{{
		TrainNoLocal: "14100",
		TrainName:    `ROJ - "Piast" - S1`,
		RunID:        "run-1",
		Timetable: []srapi.TimetableEntry{
			ttEntry("sr-a", "", "2024-08-01 10:00:00"),
			ttEntry("sr-b", "2024-08-01 10:10:00", "2024-08-01 10:10:00"),
			ttEntry("sr-c", "2024-08-01 10:20:00", ""),
		},
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getAllTimetables", r.URL.Path)
		assert.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	defer srv.Close()

	store := storage.NewMemoryStorage()
	c := &timetableCollector{
		aws:    srapi.NewAWSClient(srv.URL),
		store:  store,
		points: testutil.Network(),
		logger: zap.NewNop(),
	}
	ctx := context.Background()
	server := &model.Server{
		ID:        model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718"),
		Code:      "en1",
		UTCOffset: 7200,
	}
	journeyID := model.JourneyID(server.ID, "run-1")

	require.NoError(t, c.collectServer(ctx, server))

	journeys, err := store.JourneysByRunID(ctx, server.ID, []string{"run-1"})
	require.NoError(t, err)
	require.Len(t, journeys, 1)
	assert.Equal(t, journeyID, journeys[0].ID)

	events, err := store.JourneyEvents(ctx, journeyID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "pa", events[0].PointID)
	assert.Equal(t, "pc", events[3].PointID)

	// A second pass with identical data is a no-op.
	require.NoError(t, c.collectServer(ctx, server))
	again, err := store.JourneyEvents(ctx, journeyID)
	require.NoError(t, err)
	assert.Equal(t, events, again)

	// An upstream schedule change rewrites the events of a journey not
	// yet seen live.
	payload[0].Timetable[2] = ttEntry("sr-c", "2024-08-01 10:20:00", "2024-08-01 10:22:00")
	payload[0].Timetable = append(payload[0].Timetable, ttEntry("sr-e", "2024-08-01 10:45:00", ""))
	require.NoError(t, c.collectServer(ctx, server))
	events, err = store.JourneyEvents(ctx, journeyID)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "pe", events[5].PointID)

	// Once seen live the realtime updater owns the events; the builder
	// must not rewrite them.
	require.NoError(t, store.SetJourneyFirstSeen(ctx, journeyID, time.Now().UTC()))
	payload[0].Timetable = payload[0].Timetable[:2]
	require.NoError(t, c.collectServer(ctx, server))
	events, err = store.JourneyEvents(ctx, journeyID)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}
