package planner

import (
	"time"
)

// StepKind tags one step of a built route.
type StepKind string

const (
	StepWalk     StepKind = "walk"
	StepWait     StepKind = "wait"
	StepTransit  StepKind = "transit"
	StepTransfer StepKind = "transfer"
)

// StepSource tags where a step's duration came from.
type StepSource string

const (
	SourceRealtime StepSource = "realtime"
	SourceEstimate StepSource = "estimate"
	SourceFixed    StepSource = "fixed"
)

// Confidence grades how much of a route's timing is live feed data.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// RouteClass partitions routes by transfer count. Each class draws route
// ids from its own range so merged result sets never collide.
type RouteClass int

const (
	ClassDirect RouteClass = iota
	ClassOneTransfer
	ClassTwoTransfer
)

func (c RouteClass) IDBase() int {
	switch c {
	case ClassDirect:
		return 1
	case ClassOneTransfer:
		return 101
	case ClassTwoTransfer:
		return 201
	}
	return 901
}

func (c RouteClass) String() string {
	switch c {
	case ClassDirect:
		return "direct"
	case ClassOneTransfer:
		return "one-transfer"
	case ClassTwoTransfer:
		return "two-transfer"
	}
	return "unknown"
}

// RouteStep is one leg of a rider's trip. Fields beyond Kind, Duration
// and Source are populated per kind: transit carries the line and both
// stations, wait carries the line and the platform station, transfer
// carries both lines with the station in From and To, walk carries the
// station being walked to or from.
type RouteStep struct {
	Kind            StepKind
	DurationMinutes int
	Source          StepSource
	Line            string
	From            string
	To              string
}

// Route is one ranked trip option. TotalDurationMinutes is the sum of
// the step durations by construction.
type Route struct {
	ID                   int
	Class                RouteClass
	LeaveBy              time.Time
	ArrivalTime          time.Time
	TotalDurationMinutes int
	Steps                []RouteStep
	Transfers            int
	Confidence           Confidence
	Realtime             bool
	FromStation          string
	ToStation            string
	Lines                []string
	HasAlerts            bool
	AlertSeverity        string
}

// BuildRoute converts a feasible chain into a rider-facing route. All
// timing derives from the chain's feed timestamps; waits telescope
// between them, so nothing is re-estimated here.
func BuildRoute(chain Chain, class RouteClass, seq int, now time.Time) Route {
	first := chain.Legs[0]
	last := chain.Legs[len(chain.Legs)-1]

	steps := make([]RouteStep, 0, 3*len(chain.Legs)+1)
	steps = append(steps, RouteStep{
		Kind:            StepWalk,
		DurationMinutes: chain.WalkToFirst,
		Source:          SourceFixed,
		To:              first.Segment.FromName,
	})
	steps = append(steps, RouteStep{
		Kind:            StepWait,
		DurationMinutes: minutesBetween(now.Unix()+int64(chain.WalkToFirst*60), first.Departure),
		Source:          SourceRealtime,
		Line:            first.Segment.Line,
		From:            first.Segment.FromName,
	})
	steps = append(steps, transitStep(first))

	for i := 1; i < len(chain.Legs); i++ {
		leg := chain.Legs[i]
		transfer := chain.Transfers[i-1]
		steps = append(steps, RouteStep{
			Kind:            StepTransfer,
			DurationMinutes: transfer.CostMinutes,
			Source:          SourceFixed,
			Line:            transfer.ToLine,
			From:            transfer.StationName,
			To:              transfer.StationName,
		})
		readyAt := chain.Legs[i-1].Arrival + int64(transfer.CostMinutes*60)
		steps = append(steps, RouteStep{
			Kind:            StepWait,
			DurationMinutes: minutesBetween(readyAt, leg.Departure),
			Source:          SourceRealtime,
			Line:            leg.Segment.Line,
			From:            leg.Segment.FromName,
		})
		steps = append(steps, transitStep(leg))
	}

	steps = append(steps, RouteStep{
		Kind:            StepWalk,
		DurationMinutes: chain.WalkFromLast,
		Source:          SourceFixed,
		From:            last.Segment.ToName,
	})

	total := 0
	for _, s := range steps {
		total += s.DurationMinutes
	}

	return Route{
		ID:                   class.IDBase() + seq,
		Class:                class,
		LeaveBy:              time.Unix(first.Departure, 0).Add(-time.Duration(chain.WalkToFirst) * time.Minute),
		ArrivalTime:          time.Unix(last.Arrival, 0).Add(time.Duration(chain.WalkFromLast) * time.Minute),
		TotalDurationMinutes: total,
		Steps:                steps,
		Transfers:            len(chain.Transfers),
		Confidence:           gradeConfidence(steps),
		Realtime:             gradeConfidence(steps) == ConfidenceHigh,
		FromStation:          first.Segment.FromName,
		ToStation:            last.Segment.ToName,
		Lines:                chainLines(chain),
	}
}

func transitStep(leg Leg) RouteStep {
	source := SourceRealtime
	if leg.TravelEstimated {
		source = SourceEstimate
	}
	return RouteStep{
		Kind:            StepTransit,
		DurationMinutes: leg.TravelMinutes,
		Source:          source,
		Line:            leg.Segment.Line,
		From:            leg.Segment.FromName,
		To:              leg.Segment.ToName,
	}
}

// gradeConfidence demotes a route once any wait or transit step stops
// being live: one estimated step is medium, more is low. Walk and
// transfer steps are inherently fixed and never count.
func gradeConfidence(steps []RouteStep) Confidence {
	estimated := 0
	for _, s := range steps {
		switch s.Kind {
		case StepWait, StepTransit:
			if s.Source != SourceRealtime {
				estimated++
			}
		case StepWalk, StepTransfer:
		}
	}
	switch estimated {
	case 0:
		return ConfidenceHigh
	case 1:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

func chainLines(chain Chain) []string {
	var lines []string
	for _, leg := range chain.Legs {
		if len(lines) == 0 || lines[len(lines)-1] != leg.Segment.Line {
			lines = append(lines, leg.Segment.Line)
		}
	}
	return lines
}

// minutesBetween rounds the span from a to b (epoch seconds) to whole
// minutes, clamping at zero.
func minutesBetween(a, b int64) int {
	if b <= a {
		return 0
	}
	return int((b - a + 30) / 60)
}
