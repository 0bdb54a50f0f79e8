package simrail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/model"
	"railhub.dev/simrail/snapshot"
	"railhub.dev/simrail/srapi"
	"railhub.dev/simrail/storage"
	"railhub.dev/simrail/testutil"
)

func sptr(s string) *string   { return &s }
func fptr(v float64) *float64 { return &v }

// recordingBus captures publishes in place of a NATS connection.
type recordingBus struct {
	mu       sync.Mutex
	updates  []*snapshot.Frame
	removals []*snapshot.Frame
}

func (b *recordingBus) PublishUpdate(domain string, f *snapshot.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, f)
	return nil
}

func (b *recordingBus) PublishRemoval(domain string, f *snapshot.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removals = append(b.removals, f)
	return nil
}

var _ bus.Publisher = (*recordingBus)(nil)

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any, count int) {
	t.Helper()
	assert.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"result": true,
		"data":   data,
		"count":  count,
	}))
}

func newTestTrainCollector(base string) (*trainCollector, *storage.MemoryStorage, *recordingBus) {
	store := storage.NewMemoryStorage()
	rec := &recordingBus{}
	cache := snapshot.NewCache(nil, "journey", snapshot.JourneyTTL,
		func(f *snapshot.Frame) string { return f.ID.Server.String() + ":" + f.ID.Foreign })
	c := &trainCollector{
		panel:   srapi.NewPanelClient(base),
		store:   store,
		cache:   cache,
		bus:     rec,
		points:  testutil.Network(),
		updater: NewUpdater(store, testutil.Network(), zap.NewNop()),
		logger:  zap.NewNop(),
		data:    map[string]*serverTrainData{},
	}
	return c, store, rec
}

func TestTrainCollectorCycle(t *testing.T) {
	var (
		mu         sync.Mutex
		trains     []srapi.Train
		trainsEtag = `"t1"`
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/trains-open", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("If-None-Match") == trainsEtag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", trainsEtag)
		writeEnvelope(t, w, trains, len(trains))
	})
	mux.HandleFunc("/train-positions-open", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"p1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"p1"`)
		writeEnvelope(t, w, []srapi.TrainPosition{}, 0)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, store, rec := newTestTrainCollector(srv.URL)
	ctx := context.Background()
	serverID := model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718")
	server := &model.Server{ID: serverID, Code: "en1", UTCOffset: 7200}
	journeyID := model.JourneyID(serverID, "run-1")

	require.NoError(t, store.InsertJourney(ctx, &model.Journey{
		ID:           journeyID,
		ForeignRunID: "run-1",
		ServerID:     serverID,
	}))

	mu.Lock()
	trains = []srapi.Train{{
		ID:           "t-1",
		TrainNoLocal: "14100",
		TrainName:    `ROJ - "Piast" - S1`,
		Vehicles:     []string{"EN76-005", "EN76-006"},
		RunID:        "run-1",
		TrainData: srapi.TrainData{
			ControlledBySteamID: sptr("76561198000000001"),
			Latitude:            fptr(50.0),
			Longitude:           fptr(19.0),
			Velocity:            100,
			SignalInFront:       sptr("Ch_G@1"),
			DistanceToSignal:    734,
			SignalInFrontSpeed:  60,
		},
	}}
	mu.Unlock()

	// First sight: snapshot published, first-seen and vehicles persisted,
	// the point change handed to the updater.
	c.collectServer(ctx, server)

	require.Len(t, rec.updates, 1)
	f := rec.updates[0]
	assert.Equal(t, journeyID, f.ID.Data)
	require.NotNil(t, f.Journey)
	assert.Equal(t, 100, f.Journey.Speed)
	assert.Equal(t, "pa", f.Journey.CurrentPointID)
	require.NotNil(t, f.Journey.Driver)
	assert.Equal(t, model.User{Platform: model.PlatformSteam, ID: "76561198000000001"}, *f.Journey.Driver)
	require.NotNil(t, f.Journey.NextSignal)
	assert.Equal(t, "Ch_G", f.Journey.NextSignal.ID)
	assert.Equal(t, 730, f.Journey.NextSignal.Distance)
	assert.Equal(t, 60, f.Journey.NextSignal.MaxSpeed)

	cached, ok := c.cache.FindByPrimary(journeyID.String())
	require.True(t, ok)
	firstStamp := cached.Timestamp

	journeys, err := store.JourneysByRunID(ctx, serverID, []string{"run-1"})
	require.NoError(t, err)
	require.Len(t, journeys, 1)
	assert.NotNil(t, journeys[0].FirstSeenTime)
	assert.Nil(t, journeys[0].LastSeenTime)
	assert.Equal(t, []string{"EN76-005", "EN76-006"}, store.JourneyVehicles(journeyID))

	req := <-c.updater.queue
	pc, isPointChange := req.(PointChange)
	require.True(t, isPointChange)
	assert.Equal(t, journeyID, pc.JourneyID)
	assert.Empty(t, pc.PrevPointID)
	require.NotNil(t, pc.Current)
	assert.Equal(t, "pa", pc.Current.ID)

	// An unchanged upstream answers 304: no cache write, no publish.
	c.collectServer(ctx, server)
	assert.Len(t, rec.updates, 1)
	cached, ok = c.cache.FindByPrimary(journeyID.String())
	require.True(t, ok)
	assert.Equal(t, firstStamp, cached.Timestamp)
	assert.Empty(t, c.updater.queue)

	// The run disappears from the live list: one tombstone, the
	// snapshot dropped, last-seen set and a removal queued.
	mu.Lock()
	trains = nil
	trainsEtag = `"t2"`
	mu.Unlock()
	c.collectServer(ctx, server)

	require.Len(t, rec.removals, 1)
	assert.Equal(t, journeyID, rec.removals[0].ID.Data)
	assert.Len(t, rec.updates, 1)

	_, ok = c.cache.FindByPrimary(journeyID.String())
	assert.False(t, ok)

	journeys, err = store.JourneysByRunID(ctx, serverID, []string{"run-1"})
	require.NoError(t, err)
	require.Len(t, journeys, 1)
	assert.NotNil(t, journeys[0].LastSeenTime)

	req = <-c.updater.queue
	rm, isRemoval := req.(Removal)
	require.True(t, isRemoval)
	assert.Equal(t, journeyID, rm.JourneyID)

	data := c.serverData("en1")
	assert.Empty(t, data.holders)
	assert.Empty(t, data.trainToRun)
}

func TestTrainCollectorSkipsOverlappingCycle(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/trains-open", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		writeEnvelope(t, w, []srapi.Train{}, 0)
	})
	mux.HandleFunc("/train-positions-open", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []srapi.TrainPosition{}, 0)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _, _ := newTestTrainCollector(srv.URL)
	ctx := context.Background()
	server := &model.Server{ID: model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718"), Code: "en1"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.collectServer(ctx, server)
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) == 1
	}, time.Second, 5*time.Millisecond)

	// The first cycle still holds this server; a second one must not
	// touch its state or the upstream.
	c.collectServer(ctx, server)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	close(release)
	<-done

	c.collectServer(ctx, server)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}
