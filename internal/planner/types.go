package planner

import (
	"fmt"
	"time"
)

// Direction is the MTA platform suffix for travel direction.
type Direction string

const (
	Northbound Direction = "N"
	Southbound Direction = "S"
)

func (d Direction) Opposite() Direction {
	if d == Northbound {
		return Southbound
	}
	return Northbound
}

// LineSegment is one ride on one line between two stations, pinned to the
// feed and directional platform that serve it.
type LineSegment struct {
	Line        string
	Direction   Direction
	FromStation string
	FromName    string
	ToStation   string
	ToName      string
	Feed        string
	FeedURL     string
	FromStopID  string
	ToStopID    string
}

// TransferPoint joins two consecutive segments at a shared station.
// CostMinutes is the platform-to-platform walk; zero means cross-platform.
type TransferPoint struct {
	Station     string
	StationName string
	FromLine    string
	ToLine      string
	CostMinutes int
}

// Leg is one segment of a chain with its live departure resolved.
// TravelEstimated is set when the ride time fell back to the default
// constant instead of a configured pair.
type Leg struct {
	Segment         LineSegment
	Departure       int64
	Arrival         int64
	TravelMinutes   int
	TravelEstimated bool
}

// Chain is a feasible sequence of connecting legs, ready to be built
// into a route.
type Chain struct {
	Legs         []Leg
	Transfers    []TransferPoint
	WalkToFirst  int
	WalkFromLast int
	PlannedAt    time.Time
}

// ChainRequest describes one route class to plan: an ordered list of
// segments joined by transfer points, plus the walk minutes at each end.
type ChainRequest struct {
	Segments     []LineSegment
	Transfers    []TransferPoint
	WalkToFirst  int
	WalkFromLast int
}

// TravelTimes resolves the scheduled ride time in minutes between two
// stations on a line. known is false when the lookup fell back to the
// default constant.
type TravelTimes interface {
	Minutes(line, fromStation, toStation string) (minutes int, known bool)
}

// StaticTravelTimes is the configuration-backed TravelTimes table.
// Entries apply in both directions.
type StaticTravelTimes struct {
	minutes  map[string]int
	fallback int
}

func NewStaticTravelTimes(fallback int) *StaticTravelTimes {
	return &StaticTravelTimes{
		minutes:  make(map[string]int),
		fallback: fallback,
	}
}

func (t *StaticTravelTimes) Add(line, from, to string, minutes int) {
	t.minutes[travelKey(line, from, to)] = minutes
	t.minutes[travelKey(line, to, from)] = minutes
}

func (t *StaticTravelTimes) Minutes(line, from, to string) (int, bool) {
	if m, ok := t.minutes[travelKey(line, from, to)]; ok {
		return m, true
	}
	return t.fallback, false
}

func travelKey(line, from, to string) string {
	return fmt.Sprintf("%s|%s|%s", line, from, to)
}
