package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"railhub.dev/simrail/model"
)

func TestIDsAreDeterministic(t *testing.T) {
	serverID := model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718")
	assert.Equal(t, serverID, model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718"))
	assert.NotEqual(t, serverID, model.ServerID("en2", "652f8d2fa1b2c3d4e5f60718"))

	journeyID := model.JourneyID(serverID, "run-1")
	assert.Equal(t, journeyID, model.JourneyID(serverID, "run-1"))
	assert.NotEqual(t, journeyID, model.JourneyID(serverID, "run-2"))

	at := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	arr := model.EventID(journeyID, "pa", at, model.EventTypeArrival)
	dep := model.EventID(journeyID, "pa", at, model.EventTypeDeparture)
	assert.NotEqual(t, arr, dep)
	assert.Equal(t, arr, model.EventID(journeyID, "pa", at, model.EventTypeArrival))
	assert.NotEqual(t, arr, model.EventID(journeyID, "pa", at.Add(time.Minute), model.EventTypeArrival))

	// Inserted events live in their own namespace.
	assert.NotEqual(t, arr, model.AdditionalEventID(journeyID, "pa", dep, model.EventTypeArrival))
}

func TestObjectIDTime(t *testing.T) {
	// 0x652f8d2f = 2023-10-18 07:45:51 UTC.
	got := model.ObjectIDTime("652f8d2fa1b2c3d4e5f60718")
	assert.Equal(t, time.Date(2023, 10, 18, 7, 45, 51, 0, time.UTC), got)

	assert.True(t, model.ObjectIDTime("652f").IsZero())
	assert.True(t, model.ObjectIDTime("zzzzzzzzzzzzzzzzzzzzzzzz").IsZero())
}
