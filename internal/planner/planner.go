package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"subwaypal/internal/api/gtfsrt"
)

// DepartureSource yields upcoming departures for a directional stop.
// *gtfsrt.Client satisfies it.
type DepartureSource interface {
	Departures(ctx context.Context, feed, url, stopID string, max int) ([]gtfsrt.StopTimeUpdate, error)
}

// SegmentPlanner chains live departures across the segments of a commute
// plan. Selection is greedy: each hop takes the earliest departure an
// on-time rider could make. The segments involved are short enough that
// greedy selection is adequate.
type SegmentPlanner struct {
	source        DepartureSource
	travel        TravelTimes
	maxDepartures int
	logger        *logrus.Logger
	now           func() time.Time
}

func NewSegmentPlanner(source DepartureSource, travel TravelTimes, maxDepartures int, logger *logrus.Logger) *SegmentPlanner {
	return &SegmentPlanner{
		source:        source,
		travel:        travel,
		maxDepartures: maxDepartures,
		logger:        logger,
		now:           time.Now,
	}
}

// PlanChains returns every feasible chain for the request, one per
// catchable first-segment departure. Finding none is not an error; a
// failed departure fetch for any segment is.
func (p *SegmentPlanner) PlanChains(ctx context.Context, req ChainRequest) ([]Chain, error) {
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("chain request has no segments")
	}
	if len(req.Transfers) != len(req.Segments)-1 {
		return nil, fmt.Errorf("chain request needs %d transfer points, has %d", len(req.Segments)-1, len(req.Transfers))
	}

	departures, err := p.fetchAll(ctx, req.Segments)
	if err != nil {
		return nil, err
	}

	now := p.now()
	leaveBy := now.Unix() + int64(req.WalkToFirst*60)

	var chains []Chain
	for _, first := range departures[0] {
		depart, ok := first.EffectiveDeparture()
		if !ok || depart < leaveBy {
			continue
		}

		legs := []Leg{p.leg(req.Segments[0], depart)}
		feasible := true
		for hop := 1; hop < len(req.Segments); hop++ {
			transfer := req.Transfers[hop-1]
			earliest := legs[hop-1].Arrival + int64(transfer.CostMinutes*60)
			next, ok := earliestAtOrAfter(departures[hop], earliest)
			if !ok {
				feasible = false
				break
			}
			legs = append(legs, p.leg(req.Segments[hop], next))
		}
		if !feasible {
			continue
		}

		chains = append(chains, Chain{
			Legs:         legs,
			Transfers:    req.Transfers,
			WalkToFirst:  req.WalkToFirst,
			WalkFromLast: req.WalkFromLast,
			PlannedAt:    now,
		})
	}

	p.logger.WithFields(logrus.Fields{
		"segments": len(req.Segments),
		"chains":   len(chains),
	}).Debug("planned chains")

	return chains, nil
}

func (p *SegmentPlanner) leg(seg LineSegment, depart int64) Leg {
	minutes, known := p.travel.Minutes(seg.Line, seg.FromStation, seg.ToStation)
	return Leg{
		Segment:         seg,
		Departure:       depart,
		Arrival:         depart + int64(minutes*60),
		TravelMinutes:   minutes,
		TravelEstimated: !known,
	}
}

type segmentFetch struct {
	index      int
	departures []gtfsrt.StopTimeUpdate
	err        error
}

func (p *SegmentPlanner) fetchAll(ctx context.Context, segments []LineSegment) ([][]gtfsrt.StopTimeUpdate, error) {
	fetches := pool.NewWithResults[segmentFetch]()
	for i, seg := range segments {
		i, seg := i, seg
		fetches.Go(func() segmentFetch {
			departures, err := p.source.Departures(ctx, seg.Feed, seg.FeedURL, seg.FromStopID, p.maxDepartures)
			return segmentFetch{index: i, departures: departures, err: err}
		})
	}

	all := make([][]gtfsrt.StopTimeUpdate, len(segments))
	for _, f := range fetches.Wait() {
		if f.err != nil {
			seg := segments[f.index]
			return nil, fmt.Errorf("fetching departures for line %s at %s: %w", seg.Line, seg.FromStopID, f.err)
		}
		all[f.index] = f.departures
	}
	return all, nil
}

func earliestAtOrAfter(updates []gtfsrt.StopTimeUpdate, earliest int64) (int64, bool) {
	var best int64
	for _, u := range updates {
		when, ok := u.EffectiveDeparture()
		if !ok || when < earliest {
			continue
		}
		if best == 0 || when < best {
			best = when
		}
	}
	return best, best != 0
}
