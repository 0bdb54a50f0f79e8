package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"railhub.dev/simrail/model"
	"railhub.dev/simrail/snapshot"
)

func TestSubject(t *testing.T) {
	serverID := model.ServerID("en1", "652f8d2fa1b2c3d4e5f60718")
	journeyID := model.JourneyID(serverID, "run-1")

	id := snapshot.ID{Data: serverID, Server: serverID, Foreign: "652f8d2fa1b2c3d4e5f60718"}
	assert.Equal(t, "server.v1.update."+serverID.String(), subject(DomainServer, "update", id))
	assert.Equal(t, "server.v1.remove."+serverID.String(), subject(DomainServer, "remove", id))

	// Journey and dispatch post subjects scope by owning server so
	// consumers can subscribe per server with one wildcard.
	id = snapshot.ID{Data: journeyID, Server: serverID, Foreign: "run-1"}
	assert.Equal(t,
		"journey.v1.update."+serverID.String()+"."+journeyID.String(),
		subject(DomainJourney, "update", id))
	assert.Equal(t,
		"dispatchpost.v1.remove."+serverID.String()+"."+journeyID.String(),
		subject(DomainDispatchPost, "remove", id))
}
