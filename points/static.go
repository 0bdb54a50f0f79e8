package points

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Static is an in-memory Provider built from reference data loaded at
// startup.
type Static struct {
	points    []*Point
	byID      map[string]*Point
	byName    map[string]*Point
	borders   map[string]*BorderPoint
	platforms map[platformKey]*PlatformInfo
}

type platformKey struct {
	pointID string
	signal  string
}

func NewStatic(points []*Point, borders []*BorderPoint, platforms map[string]map[string]PlatformInfo) *Static {
	s := &Static{
		points:    points,
		byID:      map[string]*Point{},
		byName:    map[string]*Point{},
		borders:   map[string]*BorderPoint{},
		platforms: map[platformKey]*PlatformInfo{},
	}
	for _, p := range points {
		s.byID[p.ID] = p
		for _, alias := range p.SimRailIDs {
			if _, taken := s.byID[alias]; !taken {
				s.byID[alias] = p
			}
		}
		s.byName[strings.ToLower(p.Name)] = p
	}
	for _, b := range borders {
		s.borders[b.PointID] = b
	}
	for pointID, signals := range platforms {
		for signal, info := range signals {
			info := info
			s.platforms[platformKey{pointID, signal}] = &info
		}
	}
	return s
}

func (s *Static) PointByID(id string) (*Point, bool) {
	p, ok := s.byID[id]
	return p, ok
}

func (s *Static) PointByName(name string) (*Point, bool) {
	p, ok := s.byName[strings.ToLower(name)]
	return p, ok
}

func (s *Static) PointAt(lat, lon float64) (*Point, bool) {
	for _, p := range s.points {
		if p.Contains(lat, lon) {
			return p, true
		}
	}
	return nil, false
}

func (s *Static) BorderPoint(pointID string) (*BorderPoint, bool) {
	b, ok := s.borders[pointID]
	return b, ok
}

func (s *Static) PlatformBySignal(pointID, signalName string) (*PlatformInfo, bool) {
	info, ok := s.platforms[platformKey{pointID, signalName}]
	return info, ok
}

// File layout of the bundled reference data.
type fileData struct {
	Points    []*Point                            `json:"points"`
	Borders   []*BorderPoint                      `json:"borders"`
	Platforms map[string]map[string]PlatformInfo `json:"platforms"`
}

// LoadFile reads a reference data file and builds a Static provider.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading points file: %w", err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing points file: %w", err)
	}
	return NewStatic(data.Points, data.Borders, data.Platforms), nil
}
