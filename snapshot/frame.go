// Package snapshot holds the last-known serialized state of every
// live entity: a msgpack-framed record per server, journey and
// dispatch post, kept in a keyed TTL cache that mirrors to redis and
// fans out over the event bus.
package snapshot

import (
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"railhub.dev/simrail/model"
)

// ID identifies a frame: the stable entity id, the owning server, and
// the upstream (foreign) id the secondary index is built from.
type ID struct {
	Data    uuid.UUID `msgpack:"d"`
	Server  uuid.UUID `msgpack:"s"`
	Foreign string    `msgpack:"f"`
}

// Live journey state layered on top of the persisted timetable.
type JourneyData struct {
	Speed          int                `msgpack:"sp"`
	Position       *model.GeoPosition `msgpack:"pos"`
	Driver         *model.User        `msgpack:"drv"`
	NextSignal     *model.SignalInfo  `msgpack:"sig"`
	CurrentPointID string             `msgpack:"pt"`
}

// Frame is one snapshot record. Exactly one payload pointer is set on
// update frames; removal frames carry only the ID.
type Frame struct {
	ID        ID    `msgpack:"id"`
	Timestamp int64 `msgpack:"ts"` // unix millis, monotonic per primary key

	Server       *model.Server       `msgpack:"srv,omitempty"`
	Journey      *JourneyData        `msgpack:"jny,omitempty"`
	DispatchPost *model.DispatchPost `msgpack:"dp,omitempty"`
}

func (f *Frame) Encode() ([]byte, error) {
	return msgpack.Marshal(f)
}

func Decode(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := msgpack.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Removal returns the tombstone frame for f.
func (f *Frame) Removal() *Frame {
	return &Frame{ID: f.ID, Timestamp: f.Timestamp}
}

// Clone deep-copies the frame so a producer can overlay dirty fields
// without racing readers of the cached copy.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Server != nil {
		srv := *f.Server
		srv.Tags = append([]string(nil), f.Server.Tags...)
		c.Server = &srv
	}
	if f.Journey != nil {
		j := *f.Journey
		if j.Position != nil {
			pos := *j.Position
			j.Position = &pos
		}
		if j.Driver != nil {
			drv := *j.Driver
			j.Driver = &drv
		}
		if j.NextSignal != nil {
			sig := *j.NextSignal
			j.NextSignal = &sig
		}
		c.Journey = &j
	}
	if f.DispatchPost != nil {
		dp := *f.DispatchPost
		dp.ImageURLs = append([]string(nil), f.DispatchPost.ImageURLs...)
		if dp.Dispatcher != nil {
			u := *f.DispatchPost.Dispatcher
			dp.Dispatcher = &u
		}
		c.DispatchPost = &dp
	}
	return &c
}
