// Package points exposes the read-only reference data the collectors
// and the realtime engine consume: points (stations and stopping
// places), playable-map border points, and platform signal mappings.
package points

import "railhub.dev/simrail/model"

// A station or stopping place known to the reference provider.
type Point struct {
	ID       string
	Name     string
	Prefix   string // empty for passable stopping points
	Position model.GeoPosition
	MaxSpeed int

	// Bounding box of the point's area: min/max latitude and
	// longitude. A live position inside the box counts as "at"
	// the point.
	MinLat, MinLon, MaxLat, MaxLon float64

	// Upstream ids the simulation uses for the same physical
	// point. Timetables may reference any of them.
	SimRailIDs []string
}

func (p *Point) Contains(lat, lon float64) bool {
	return lat >= p.MinLat && lat <= p.MaxLat && lon >= p.MinLon && lon <= p.MaxLon
}

// A point on the playable-map border. When RequiredNext is non-empty,
// crossing into the playable area at this point requires the journey's
// next point to be one of the listed upstream ids.
type BorderPoint struct {
	PointID      string
	RequiredNext []string
}

func (b *BorderPoint) Requires(pointID string) bool {
	for _, id := range b.RequiredNext {
		if id == pointID {
			return true
		}
	}
	return false
}

// Track and platform a signal sits on.
type PlatformInfo struct {
	Track    int
	Platform int
}

// Provider is the read-only lookup interface. Every method reports
// "not found" explicitly.
type Provider interface {
	PointByID(id string) (*Point, bool)
	PointByName(name string) (*Point, bool)

	// PointAt returns the point whose bounding box contains the
	// given position.
	PointAt(lat, lon float64) (*Point, bool)

	BorderPoint(pointID string) (*BorderPoint, bool)

	PlatformBySignal(pointID, signalName string) (*PlatformInfo, bool)
}
