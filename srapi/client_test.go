package srapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railhub.dev/simrail/srapi"
)

func TestPanelConditionalGet(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/trains-open", r.URL.Path)
		assert.Equal(t, "en1", r.URL.Query().Get("serverCode"))

		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		// Upstream payloads open with a UTF-8 BOM.
		w.Write([]byte("\xef\xbb\xbf" + `{"result":true,"data":[{"TrainNoLocal":"14100","RunId":"run-1"}],"count":1}`))
	}))
	defer srv.Close()

	c := srapi.NewPanelClient(srv.URL)
	ctx := context.Background()

	trains, etag, modified, err := c.Trains(ctx, "en1", "")
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, `"v1"`, etag)
	require.Len(t, trains, 1)
	assert.Equal(t, "14100", trains[0].TrainNoLocal)
	assert.Equal(t, "run-1", trains[0].RunID)

	// Replaying the etag yields 304 and keeps it.
	trains, etag, modified, err = c.Trains(ctx, "en1", etag)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, `"v1"`, etag)
	assert.Empty(t, trains)
	assert.Equal(t, 2, hits)
}

func TestPanelUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/servers-open":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`{"result":false,"data":[],"count":0}`))
		}
	}))
	defer srv.Close()

	c := srapi.NewPanelClient(srv.URL)
	ctx := context.Background()

	_, err := c.Servers(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	_, _, _, err = c.DispatchPosts(ctx, "en1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result=false")
}

func TestPanelServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/servers-open", r.URL.Path)
		w.Write([]byte(`{"result":true,"data":[
			{"id":"652f8d2fa1b2c3d4e5f60718","ServerCode":"en1","ServerName":"English 1 (English)","ServerRegion":"Europe","IsActive":true}
		],"count":1}`))
	}))
	defer srv.Close()

	servers, err := srapi.NewPanelClient(srv.URL).Servers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "652f8d2fa1b2c3d4e5f60718", servers[0].ID)
	assert.Equal(t, "en1", servers[0].ServerCode)
	assert.True(t, servers[0].IsActive)
}

func TestAWSServerTime(t *testing.T) {
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/getTime":
			assert.Equal(t, "en1", r.URL.Query().Get("serverCode"))
			w.Header().Set("Date", now.Format(http.TimeFormat))
			w.Write([]byte(" 1722513600000 \n"))
		case "/getTimeZone":
			w.Write([]byte("2\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := srapi.NewAWSClient(srv.URL)
	ctx := context.Background()

	millis, date, err := c.ServerTimeMillis(ctx, "en1")
	require.NoError(t, err)
	assert.Equal(t, int64(1722513600000), millis)
	assert.True(t, date.Equal(now))

	hours, err := c.ServerTimeOffsetHours(ctx, "en1")
	require.NoError(t, err)
	assert.Equal(t, 2, hours)
}

func TestAWSTimetables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getAllTimetables", r.URL.Path)
		w.Write([]byte("\xef\xbb\xbf" + `[
			{"trainNoLocal":"14100","trainName":"ROJ - \"Piast\" - S1","runId":"run-1","timetable":[
				{"pointId":"sr-a","departureTime":"2024-08-01 10:00:00","stopType":"NoStopOver","trainType":"ROJ","maxSpeed":120},
				{"pointId":"sr-b","arrivalTime":"2024-08-01 10:10:00","stopType":"CommercialStop","track":2,"platform":"II","trainType":"ROJ","maxSpeed":120}
			]}
		]`))
	}))
	defer srv.Close()

	runs, err := srapi.NewAWSClient(srv.URL).Timetables(context.Background(), "en1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, "14100", run.TrainNoLocal)
	assert.Equal(t, "run-1", run.RunID)
	require.Len(t, run.Timetable, 2)

	first, second := run.Timetable[0], run.Timetable[1]
	assert.Equal(t, "sr-a", first.PointID)
	assert.Nil(t, first.ArrivalTime)
	require.NotNil(t, first.DepartureTime)
	assert.Equal(t, "2024-08-01 10:00:00", *first.DepartureTime)

	assert.Equal(t, "CommercialStop", second.StopType)
	require.NotNil(t, second.Track)
	assert.Equal(t, 2, *second.Track)
	require.NotNil(t, second.Platform)
	assert.Equal(t, "II", *second.Platform)
}
