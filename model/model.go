package model

import (
	"time"

	"github.com/google/uuid"
)

// Holds all external facing types and constants.

type Region int

const (
	RegionEurope Region = iota
	RegionAsia
	RegionUSNorth
)

func RegionFromCode(code string) Region {
	switch code {
	case "Asia":
		return RegionAsia
	case "US_North":
		return RegionUSNorth
	default:
		return RegionEurope
	}
}

type Platform int

const (
	PlatformSteam Platform = iota
	PlatformXbox
)

// A player account on one of the upstream platforms.
type User struct {
	Platform Platform
	ID       string
}

type EventType int

const (
	EventTypeArrival EventType = iota
	EventTypeDeparture
)

type TimeType int

const (
	TimeTypeSchedule TimeType = iota
	TimeTypePrediction
	TimeTypeReal
)

type StopType int

// Ordered: a "bigger" stop type wins when timetable entries are merged.
const (
	StopTypeNone StopType = iota
	StopTypeTechnical
	StopTypePassenger
)

type TransportType int

const (
	TransportTypeOther TransportType = iota
	TransportTypeHighSpeedTrain
	TransportTypeIntercityTrain
	TransportTypeFastTrain
	TransportTypeRegionalFastTrain
	TransportTypeRegionalTrain
	TransportTypeCargoTrain
)

// One SimRail multiplayer server.
type Server struct {
	ID             uuid.UUID
	ForeignID      string
	Code           string
	Region         Region
	SpokenLanguage string // empty when absent
	Tags           []string
	Online         bool
	Scenery        string
	UTCOffset      int // seconds
	RegisteredAt   time.Time
	Deleted        bool
	UpdatedAt      time.Time
}

// A single scheduled run of a train on one server.
type Journey struct {
	ID            uuid.UUID
	ForeignRunID  string
	ServerID      uuid.UUID
	FirstSeenTime *time.Time
	LastSeenTime  *time.Time
	Cancelled     bool
	UpdatedAt     time.Time
}

// What the train presents as at one event: category, number and the
// derived classification, plus optional line and marketing label.
type Transport struct {
	Category string
	Number   string
	Type     TransportType
	Line     string // empty when absent
	Label    string // empty when absent
	MaxSpeed int
}

// Track and platform of a passenger stop.
type StopInfo struct {
	Track    int
	Platform int
}

// One arrival or departure of a journey at a point.
type JourneyEvent struct {
	ID               uuid.UUID
	JourneyID        uuid.UUID
	Type             EventType
	Index            int
	PointID          string
	Transport        Transport
	ScheduledTime    time.Time
	RealtimeTime     time.Time
	RealtimeType     TimeType
	StopType         StopType
	ScheduledStop    *StopInfo
	RealtimeStop     *StopInfo
	Cancelled        bool
	Additional       bool
	InPlayableBorder bool
}

type GeoPosition struct {
	Latitude  float64
	Longitude float64
}

// The signal a train is heading towards.
type SignalInfo struct {
	ID       string // signal name truncated at '@'
	Name     string
	Distance int // meters, rounded to nearest 10
	MaxSpeed int // km/h, 0 when the upstream sentinel was dropped
}

// A dispatch post (signal box) on one server.
type DispatchPost struct {
	ID           uuid.UUID
	ForeignID    string
	ServerID     uuid.UUID
	Name         string
	Difficulty   int
	Position     GeoPosition
	PointID      string
	ImageURLs    []string
	Dispatcher   *User
	RegisteredAt time.Time
	Deleted      bool
	UpdatedAt    time.Time
}
