package alerts

import (
	"time"
)

// Severity grades rider impact.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeveritySevere  Severity = "severe"
)

func (s Severity) rank() int {
	switch s {
	case SeveritySevere:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// InformedEntity is one target of an alert as carried by the feed.
// Direction is "N" or "S" when the feed provided one, else empty.
type InformedEntity struct {
	Agency    string
	Route     string
	RouteType int32
	Direction string
	Stop      string
	Trip      string
}

// ServiceAlert is one decoded alert. StationSkipping alerts are always
// severe and bypass direction and time-window filtering.
type ServiceAlert struct {
	ID              string
	Header          string
	Description     string
	Routes          []string
	Entities        []InformedEntity
	Severity        Severity
	StationSkipping bool
	Cause           string
	Effect          string
	ActiveStart     *time.Time
	ActiveEnd       *time.Time
}

// ActiveWithin reports whether the alert is in effect at now or begins
// within the lookahead window. Alerts without an active period are
// always active.
func (a ServiceAlert) ActiveWithin(now time.Time, lookahead time.Duration) bool {
	if a.StationSkipping {
		return true
	}
	if a.ActiveStart == nil && a.ActiveEnd == nil {
		return true
	}
	if a.ActiveStart != nil && a.ActiveStart.After(now.Add(lookahead)) {
		return false
	}
	if a.ActiveEnd != nil && a.ActiveEnd.Before(now) {
		return false
	}
	return true
}

// RouteAlerts is the alert summary attached to one route. Alerts that
// hit the rider's own stations sort ahead of the rest.
type RouteAlerts struct {
	HasAlerts bool
	Severity  Severity
	Alerts    []ServiceAlert
}
