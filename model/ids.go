package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Namespaces for the deterministic v5 ids. These are part of the public
// identity of every entity and must never change.
var (
	namespaceServer          = uuid.MustParse("66e29e3e-3a38-4f34-9d0f-6c7cf5408a8e")
	namespaceJourney         = uuid.MustParse("5d5cd09e-2c09-42a1-89ad-5e1c4f142ee7")
	namespaceEvent           = uuid.MustParse("a60cb4b3-95bc-4e65-b4a7-5d1c3a2e7f19")
	namespaceAdditionalEvent = uuid.MustParse("0c2f38be-84c0-4b1f-b3a0-74d87e3c55d2")
	namespaceDispatchPost    = uuid.MustParse("d1b6fd3e-9b64-4bd2-97e2-0af5b2f3c6a4")
)

// ServerID derives the stable server id from the upstream code and id.
func ServerID(code, foreignID string) uuid.UUID {
	return uuid.NewSHA1(namespaceServer, []byte(code+foreignID))
}

// JourneyID derives the stable journey id from the server id and the
// upstream run id.
func JourneyID(serverID uuid.UUID, runID string) uuid.UUID {
	return uuid.NewSHA1(namespaceJourney, []byte(serverID.String()+runID))
}

// EventID derives the stable id of a scheduled journey event.
func EventID(journeyID uuid.UUID, pointID string, scheduled time.Time, typ EventType) uuid.UUID {
	name := fmt.Sprintf("%s%s%s%d", journeyID, pointID, scheduled.Format(time.RFC3339), typ)
	return uuid.NewSHA1(namespaceEvent, []byte(name))
}

// AdditionalEventID derives the id of a just-in-time inserted event. A
// distinct namespace keeps these from ever colliding with scheduled
// event ids.
func AdditionalEventID(journeyID uuid.UUID, pointID string, prevEventID uuid.UUID, typ EventType) uuid.UUID {
	name := fmt.Sprintf("%s%s%s%d", journeyID, pointID, prevEventID, typ)
	return uuid.NewSHA1(namespaceAdditionalEvent, []byte(name))
}

// DispatchPostID derives the stable dispatch post id from the server
// code and the upstream post id.
func DispatchPostID(serverCode, foreignID string) uuid.UUID {
	return uuid.NewSHA1(namespaceDispatchPost, []byte(serverCode+foreignID))
}

// ObjectIDTime decodes the registration instant embedded in a Mongo
// ObjectID hex string. Returns the zero time when the id is malformed.
func ObjectIDTime(foreignID string) time.Time {
	if len(foreignID) < 8 {
		return time.Time{}
	}
	raw, err := hex.DecodeString(foreignID[:8])
	if err != nil {
		return time.Time{}
	}
	secs := int64(raw[0])<<24 | int64(raw[1])<<16 | int64(raw[2])<<8 | int64(raw[3])
	return time.Unix(secs, 0).UTC()
}
