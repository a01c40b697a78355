package alerts

import (
	"context"
	"sort"
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"

	"subwaypal/internal/api/gtfsrt"
	"subwaypal/internal/cache"
	"subwaypal/internal/config"
	"subwaypal/internal/planner"
	"subwaypal/internal/stations"
)

var severePhrases = []string{
	"suspended",
	"no service",
	"not running",
	"no trains",
	"service has ended",
}

var warningPhrases = []string{
	"delay",
	"slower",
	"longer wait",
	"rerouted",
	"running local",
}

// Correlator fetches the service-alerts feed and matches alerts to the
// rider's lines, stations and direction. Alert failures never reach the
// route-computation path; the correlator degrades to an empty alert set.
type Correlator struct {
	client  *gtfsrt.Client
	store   *cache.Manager
	catalog *stations.Catalog
	cfg     *config.Config
	logger  *logrus.Logger
	now     func() time.Time
}

func NewCorrelator(client *gtfsrt.Client, store *cache.Manager, catalog *stations.Catalog, cfg *config.Config, logger *logrus.Logger) *Correlator {
	return &Correlator{
		client:  client,
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// FetchAlerts returns the current alert set. The fallback URL is tried
// when the primary fails or does not decode. On total failure the result
// is empty, never an error.
func (c *Correlator) FetchAlerts(ctx context.Context) []ServiceAlert {
	alerts, err := cache.GetOrCompute(ctx, c.store, "alerts", c.cfg.Alerts.TTL(), func(ctx context.Context) ([]ServiceAlert, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		c.logger.WithField("error", err).Warn("alerts unavailable, continuing without them")
		return nil
	}
	return alerts
}

func (c *Correlator) fetch(ctx context.Context) ([]ServiceAlert, error) {
	msg, err := c.client.FetchMessage(ctx, "alerts", c.cfg.Alerts.URL)
	if err != nil && c.cfg.Alerts.FallbackURL != "" {
		c.logger.WithFields(logrus.Fields{
			"error":    err,
			"fallback": c.cfg.Alerts.FallbackURL,
		}).Warn("primary alerts feed failed, trying fallback")
		msg, err = c.client.FetchMessage(ctx, "alerts", c.cfg.Alerts.FallbackURL)
	}
	if err != nil {
		return nil, err
	}

	alerts := parseAlerts(msg)
	c.logger.WithField("alerts", len(alerts)).Debug("decoded alerts feed")
	return alerts, nil
}

// ActiveAlerts returns the alerts in effect now or starting within the
// lookahead window.
func (c *Correlator) ActiveAlerts(ctx context.Context) []ServiceAlert {
	now := c.now()
	var active []ServiceAlert
	for _, alert := range c.FetchAlerts(ctx) {
		if alert.ActiveWithin(now, c.cfg.Alerts.Lookahead()) {
			active = append(active, alert)
		}
	}
	return active
}

// CommuteAlerts returns the alerts relevant to a trip on the given lines
// and direction, station-skipping first, then by severity.
func (c *Correlator) CommuteAlerts(ctx context.Context, lines []string, direction planner.Direction) []ServiceAlert {
	return c.filterForCommute(c.FetchAlerts(ctx), lines, direction)
}

func (c *Correlator) filterForCommute(all []ServiceAlert, lines []string, direction planner.Direction) []ServiceAlert {
	now := c.now()
	var matched []ServiceAlert
	for _, alert := range all {
		if !mentionsAnyLine(alert, lines) {
			continue
		}
		if alert.StationSkipping {
			matched = append(matched, alert)
			continue
		}
		if !alert.ActiveWithin(now, c.cfg.Alerts.Lookahead()) {
			continue
		}
		if !matchesDirection(alert, direction) {
			continue
		}
		matched = append(matched, alert)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].StationSkipping != matched[j].StationSkipping {
			return matched[i].StationSkipping
		}
		return matched[i].Severity.rank() > matched[j].Severity.rank()
	})
	return matched
}

// CheckRoute matches alerts against one built route and escalates to
// severe when any alert names a station the rider actually uses.
func (c *Correlator) CheckRoute(ctx context.Context, route planner.Route, direction planner.Direction) RouteAlerts {
	matched := c.CommuteAlerts(ctx, route.Lines, direction)
	return c.summarize(matched, route)
}

func (c *Correlator) summarize(matched []ServiceAlert, route planner.Route) RouteAlerts {
	if len(matched) == 0 {
		return RouteAlerts{}
	}

	severity := SeverityInfo
	for _, alert := range matched {
		if alert.Severity.rank() > severity.rank() {
			severity = alert.Severity
		}
	}

	riderStops := c.riderStops(route)
	var atRiderStations, elsewhere []ServiceAlert
	for _, alert := range matched {
		if alertTouchesStops(alert, riderStops) {
			atRiderStations = append(atRiderStations, alert)
		} else {
			elsewhere = append(elsewhere, alert)
		}
	}
	if len(atRiderStations) > 0 {
		severity = SeveritySevere
	}

	return RouteAlerts{
		HasAlerts: true,
		Severity:  severity,
		Alerts:    append(atRiderStations, elsewhere...),
	}
}

// riderStops collects the parent stop ids a route actually touches, plus
// the configured default stations on the home line.
func (c *Correlator) riderStops(route planner.Route) map[string]bool {
	stops := make(map[string]bool)
	add := func(stationName string) {
		st, ok := c.catalog.Resolve(stationName)
		if !ok {
			return
		}
		for _, line := range route.Lines {
			if stop, err := c.catalog.StopID(st.ID, line); err == nil {
				stops[stop] = true
			}
		}
	}

	for _, step := range route.Steps {
		switch step.Kind {
		case planner.StepTransit, planner.StepTransfer:
			add(step.From)
			add(step.To)
		case planner.StepWalk, planner.StepWait:
			// covered by the adjacent transit step
		}
	}

	for _, id := range c.cfg.DefaultAlertStations {
		if stop, err := c.catalog.StopID(id, c.cfg.HomeLine); err == nil {
			stops[stop] = true
		}
	}
	return stops
}

func alertTouchesStops(alert ServiceAlert, stops map[string]bool) bool {
	for _, e := range alert.Entities {
		if e.Stop == "" {
			continue
		}
		if stops[stations.BaseStopID(e.Stop)] {
			return true
		}
	}
	return false
}

func mentionsAnyLine(alert ServiceAlert, lines []string) bool {
	for _, want := range lines {
		for _, have := range alert.Routes {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// matchesDirection keeps alerts whose informed entities point at the
// rider's direction. Alerts carrying no directional information at all
// affect both directions.
func matchesDirection(alert ServiceAlert, direction planner.Direction) bool {
	sawDirection := false
	for _, e := range alert.Entities {
		d := e.Direction
		if d == "" && e.Stop != "" && stations.BaseStopID(e.Stop) != e.Stop {
			d = e.Stop[len(e.Stop)-1:]
		}
		if d == "" {
			continue
		}
		sawDirection = true
		if d == string(direction) {
			return true
		}
	}
	return !sawDirection
}

func parseAlerts(msg *gtfs.FeedMessage) []ServiceAlert {
	var out []ServiceAlert
	for _, entity := range msg.GetEntity() {
		a := entity.GetAlert()
		if a == nil {
			continue
		}

		alert := ServiceAlert{
			ID:          entity.GetId(),
			Header:      translatedText(a.GetHeaderText()),
			Description: translatedText(a.GetDescriptionText()),
			Cause:       a.GetCause().String(),
			Effect:      a.GetEffect().String(),
		}

		for _, sel := range a.GetInformedEntity() {
			ie := InformedEntity{
				Agency:    sel.GetAgencyId(),
				Route:     sel.GetRouteId(),
				RouteType: sel.GetRouteType(),
				Stop:      sel.GetStopId(),
				Trip:      sel.GetTrip().GetTripId(),
			}
			if sel.DirectionId != nil {
				if sel.GetDirectionId() == 0 {
					ie.Direction = string(planner.Northbound)
				} else {
					ie.Direction = string(planner.Southbound)
				}
			}
			alert.Entities = append(alert.Entities, ie)
			if ie.Route != "" && !containsFold(alert.Routes, ie.Route) {
				alert.Routes = append(alert.Routes, ie.Route)
			}
		}

		if periods := a.GetActivePeriod(); len(periods) > 0 {
			if start := periods[0].GetStart(); start > 0 {
				ts := time.Unix(int64(start), 0)
				alert.ActiveStart = &ts
			}
			if end := periods[0].GetEnd(); end > 0 {
				ts := time.Unix(int64(end), 0)
				alert.ActiveEnd = &ts
			}
		}

		text := alert.Header + " " + alert.Description
		alert.StationSkipping = isStationSkipping(text)
		if alert.StationSkipping {
			alert.Severity = SeveritySevere
		} else {
			alert.Severity = classifySeverity(text)
		}

		out = append(out, alert)
	}
	return out
}

func classifySeverity(text string) Severity {
	t := strings.ToLower(text)
	for _, phrase := range severePhrases {
		if strings.Contains(t, phrase) {
			return SeveritySevere
		}
	}
	for _, phrase := range warningPhrases {
		if strings.Contains(t, phrase) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

func isStationSkipping(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "skip") || strings.Contains(t, "not stopping")
}

// translatedText prefers the English translation, falling back to the
// first available one.
func translatedText(ts *gtfs.TranslatedString) string {
	translations := ts.GetTranslation()
	for _, tr := range translations {
		lang := tr.GetLanguage()
		if lang == "" || strings.HasPrefix(lang, "en") {
			return tr.GetText()
		}
	}
	if len(translations) > 0 {
		return translations[0].GetText()
	}
	return ""
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
