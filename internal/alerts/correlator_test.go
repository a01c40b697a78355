package alerts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"subwaypal/internal/api/gtfsrt"
	"subwaypal/internal/cache"
	"subwaypal/internal/config"
	"subwaypal/internal/planner"
	"subwaypal/internal/stations"
)

var testNow = time.Unix(1700000000, 0)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(primaryURL, fallbackURL string) *config.Config {
	return &config.Config{
		Alerts: config.AlertsConfig{
			URL:              primaryURL,
			FallbackURL:      fallbackURL,
			TTLSeconds:       120,
			LookaheadMinutes: 30,
		},
		Stations: []config.Station{
			{ID: "carroll-st", Name: "Carroll St", Stops: map[string]string{"F": "F21", "G": "F21"}},
			{ID: "bergen-st", Name: "Bergen St", Stops: map[string]string{"F": "F20", "G": "F20"}},
			{ID: "rockefeller-center", Name: "47-50 Sts-Rockefeller Ctr", Stops: map[string]string{"B": "D15", "D": "D15", "F": "D15", "M": "D15"}},
		},
		HomeLine:             "F",
		DefaultAlertStations: []string{"bergen-st"},
	}
}

func newTestCorrelator(t *testing.T, cfg *config.Config) *Correlator {
	t.Helper()
	catalog, err := stations.NewCatalog(cfg.Stations)
	require.NoError(t, err)
	client := gtfsrt.NewClient(nil, 5*time.Second, time.Minute, "", testLogger())
	c := NewCorrelator(client, cache.NewManager(64), catalog, cfg, testLogger())
	c.now = func() time.Time { return testNow }
	return c
}

func translated(text string) *gtfs.TranslatedString {
	return &gtfs.TranslatedString{
		Translation: []*gtfs.TranslatedString_Translation{
			{Text: proto.String(text), Language: proto.String("en")},
		},
	}
}

func alertFeedBody(t *testing.T, alerts ...*gtfs.Alert) []byte {
	t.Helper()
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
	}
	for i, a := range alerts {
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id:    proto.String(fmt.Sprintf("alert-%d", i)),
			Alert: a,
		})
	}
	body, err := proto.Marshal(msg)
	require.NoError(t, err)
	return body
}

func fixedRiderRoute() planner.Route {
	return planner.Route{
		Lines:       []string{"F"},
		FromStation: "Carroll St",
		ToStation:   "47-50 Sts-Rockefeller Ctr",
		Steps: []planner.RouteStep{
			{Kind: planner.StepWalk, DurationMinutes: 12, To: "Carroll St"},
			{Kind: planner.StepWait, DurationMinutes: 4, Line: "F", From: "Carroll St"},
			{Kind: planner.StepTransit, DurationMinutes: 18, Line: "F", From: "Carroll St", To: "47-50 Sts-Rockefeller Ctr"},
			{Kind: planner.StepWalk, DurationMinutes: 8, From: "47-50 Sts-Rockefeller Ctr"},
		},
	}
}

func TestClassifySeverity(t *testing.T) {
	testCases := []struct {
		name string
		text string
		want Severity
	}{
		{"suspension", "F trains are suspended in both directions", SeveritySevere},
		{"no service", "No service between Jay St and Church Av", SeveritySevere},
		{"delays", "Expect delays on northbound F trains", SeverityWarning},
		{"reroute", "Some F trains are rerouted via the E line", SeverityWarning},
		{"informational", "Elevator outage at Bergen St", SeverityInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifySeverity(tc.text))
		})
	}
}

func TestIsStationSkipping(t *testing.T) {
	assert.True(t, isStationSkipping("Northbound F trains SKIP Bergen St"))
	assert.True(t, isStationSkipping("Trains are not stopping at Carroll St"))
	assert.False(t, isStationSkipping("Expect delays on F trains"))
}

func TestActiveWithin(t *testing.T) {
	lookahead := 30 * time.Minute
	ts := func(offset time.Duration) *time.Time {
		v := testNow.Add(offset)
		return &v
	}

	testCases := []struct {
		name  string
		alert ServiceAlert
		want  bool
	}{
		{"no period", ServiceAlert{}, true},
		{"currently active", ServiceAlert{ActiveStart: ts(-time.Hour), ActiveEnd: ts(time.Hour)}, true},
		{"open ended", ServiceAlert{ActiveStart: ts(-time.Hour)}, true},
		{"starts within lookahead", ServiceAlert{ActiveStart: ts(10 * time.Minute)}, true},
		{"starts beyond lookahead", ServiceAlert{ActiveStart: ts(45 * time.Minute)}, false},
		{"already ended", ServiceAlert{ActiveStart: ts(-2 * time.Hour), ActiveEnd: ts(-10 * time.Minute)}, false},
		{"skipping ignores window", ServiceAlert{StationSkipping: true, ActiveStart: ts(3 * time.Hour)}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.alert.ActiveWithin(testNow, lookahead))
		})
	}
}

func TestParseAlerts(t *testing.T) {
	alert := &gtfs.Alert{
		ActivePeriod: []*gtfs.TimeRange{{
			Start: proto.Uint64(uint64(testNow.Add(-time.Hour).Unix())),
			End:   proto.Uint64(uint64(testNow.Add(time.Hour).Unix())),
		}},
		InformedEntity: []*gtfs.EntitySelector{
			{AgencyId: proto.String("MTA NYCT"), RouteId: proto.String("F")},
			{RouteId: proto.String("F"), StopId: proto.String("F21S")},
			{RouteId: proto.String("G"), DirectionId: proto.Uint32(1)},
		},
		Cause:  gtfs.Alert_MAINTENANCE.Enum(),
		Effect: gtfs.Alert_DETOUR.Enum(),
		HeaderText: &gtfs.TranslatedString{
			Translation: []*gtfs.TranslatedString_Translation{
				{Text: proto.String("Obras en la via"), Language: proto.String("es")},
				{Text: proto.String("Southbound F trains are rerouted"), Language: proto.String("en")},
			},
		},
		DescriptionText: translated("Expect delays in both directions"),
	}

	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{Id: proto.String("lex-1"), Alert: alert},
			{Id: proto.String("not-an-alert"), TripUpdate: &gtfs.TripUpdate{
				Trip: &gtfs.TripDescriptor{TripId: proto.String("t1")},
			}},
		},
	}

	parsed := parseAlerts(msg)
	require.Len(t, parsed, 1, "entities without an alert are skipped")

	got := parsed[0]
	assert.Equal(t, "lex-1", got.ID)
	assert.Equal(t, "Southbound F trains are rerouted", got.Header, "prefers the English translation")
	assert.Equal(t, "Expect delays in both directions", got.Description)
	assert.Equal(t, []string{"F", "G"}, got.Routes)
	assert.Equal(t, SeverityWarning, got.Severity)
	assert.False(t, got.StationSkipping)
	assert.Equal(t, "MAINTENANCE", got.Cause)
	assert.Equal(t, "DETOUR", got.Effect)

	require.Len(t, got.Entities, 3)
	assert.Equal(t, "MTA NYCT", got.Entities[0].Agency)
	assert.Equal(t, "F21S", got.Entities[1].Stop)
	assert.Equal(t, "S", got.Entities[2].Direction)

	require.NotNil(t, got.ActiveStart)
	require.NotNil(t, got.ActiveEnd)
	assert.Equal(t, testNow.Add(-time.Hour).Unix(), got.ActiveStart.Unix())
}

func TestParseAlertsStationSkippingAlwaysSevere(t *testing.T) {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{{
			Id: proto.String("skip-1"),
			Alert: &gtfs.Alert{
				HeaderText:     translated("F trains skip Bergen St"),
				InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("F")}},
			},
		}},
	}

	parsed := parseAlerts(msg)
	require.Len(t, parsed, 1)
	assert.True(t, parsed[0].StationSkipping)
	assert.Equal(t, SeveritySevere, parsed[0].Severity)
}

func TestFetchAlertsFallsBackOnPrimaryFailure(t *testing.T) {
	body := alertFeedBody(t, &gtfs.Alert{
		HeaderText:     translated("F trains are suspended"),
		InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("F")}},
	})

	var primaryHits, fallbackHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits.Add(1)
		_, _ = w.Write(body)
	}))
	defer fallback.Close()

	c := newTestCorrelator(t, testConfig(primary.URL, fallback.URL))

	alerts := c.FetchAlerts(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, "F trains are suspended", alerts[0].Header)
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, int32(1), fallbackHits.Load())

	// Within the TTL the parsed set is served from cache.
	_ = c.FetchAlerts(context.Background())
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, int32(1), fallbackHits.Load())
}

func TestFetchAlertsFallsBackOnDecodeFailure(t *testing.T) {
	body := alertFeedBody(t, &gtfs.Alert{
		HeaderText:     translated("Expect delays on F trains"),
		InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("F")}},
	})

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>maintenance page</html>")
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer fallback.Close()

	c := newTestCorrelator(t, testConfig(primary.URL, fallback.URL))

	alerts := c.FetchAlerts(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
}

func TestFetchAlertsTotalFailureIsEmpty(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	c := newTestCorrelator(t, testConfig(failing.URL, failing.URL))

	alerts := c.FetchAlerts(context.Background())
	assert.Empty(t, alerts, "alert failures never raise")
}

func TestFilterForCommute(t *testing.T) {
	ts := func(offset time.Duration) *time.Time {
		v := testNow.Add(offset)
		return &v
	}

	skipping := ServiceAlert{
		ID: "skip", Routes: []string{"F"}, Severity: SeveritySevere, StationSkipping: true,
		Entities:    []InformedEntity{{Route: "F", Stop: "F20S"}},
		ActiveStart: ts(3 * time.Hour),
	}
	severeNow := ServiceAlert{
		ID: "severe", Routes: []string{"F"}, Severity: SeveritySevere,
		Entities: []InformedEntity{{Route: "F"}},
	}
	warningSoon := ServiceAlert{
		ID: "soon", Routes: []string{"F"}, Severity: SeverityWarning,
		Entities:    []InformedEntity{{Route: "F"}},
		ActiveStart: ts(10 * time.Minute),
	}
	farFuture := ServiceAlert{
		ID: "later", Routes: []string{"F"}, Severity: SeverityWarning,
		Entities:    []InformedEntity{{Route: "F"}},
		ActiveStart: ts(45 * time.Minute),
	}
	wrongLine := ServiceAlert{
		ID: "g-only", Routes: []string{"G"}, Severity: SeveritySevere,
		Entities: []InformedEntity{{Route: "G"}},
	}
	wrongDirection := ServiceAlert{
		ID: "southbound", Routes: []string{"F"}, Severity: SeveritySevere,
		Entities: []InformedEntity{{Route: "F", Direction: "S"}},
	}
	expired := ServiceAlert{
		ID: "done", Routes: []string{"F"}, Severity: SeverityWarning,
		Entities:  []InformedEntity{{Route: "F"}},
		ActiveEnd: ts(-10 * time.Minute),
	}

	c := newTestCorrelator(t, testConfig("http://unused", ""))
	got := c.filterForCommute(
		[]ServiceAlert{expired, warningSoon, wrongDirection, severeNow, farFuture, wrongLine, skipping},
		[]string{"F"},
		planner.Northbound,
	)

	ids := make([]string, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"skip", "severe", "soon"}, ids,
		"station-skipping first, then severity; wrong line/direction, expired and far-future are dropped")
}

func TestSummarizeEscalatesAtRiderStations(t *testing.T) {
	c := newTestCorrelator(t, testConfig("http://unused", ""))
	route := fixedRiderRoute()

	generic := ServiceAlert{
		ID: "generic", Routes: []string{"F"}, Severity: SeverityWarning,
		Entities: []InformedEntity{{Route: "F"}},
	}
	atCarroll := ServiceAlert{
		ID: "carroll", Routes: []string{"F"}, Severity: SeverityWarning,
		Entities: []InformedEntity{{Route: "F", Stop: "F21N"}},
	}

	summary := c.summarize([]ServiceAlert{generic, atCarroll}, route)
	assert.True(t, summary.HasAlerts)
	assert.Equal(t, SeveritySevere, summary.Severity, "an alert at a rider station escalates")
	require.Len(t, summary.Alerts, 2)
	assert.Equal(t, "carroll", summary.Alerts[0].ID, "rider-station alerts sort first")
}

func TestSummarizeUsesDefaultAlertStations(t *testing.T) {
	c := newTestCorrelator(t, testConfig("http://unused", ""))
	route := fixedRiderRoute()

	atBergen := ServiceAlert{
		ID: "bergen", Routes: []string{"F"}, Severity: SeverityInfo,
		Entities: []InformedEntity{{Route: "F", Stop: "F20N"}},
	}

	summary := c.summarize([]ServiceAlert{atBergen}, route)
	assert.Equal(t, SeveritySevere, summary.Severity,
		"default home-line stations count as rider stations")
}

func TestSummarizeWithoutMatches(t *testing.T) {
	c := newTestCorrelator(t, testConfig("http://unused", ""))
	summary := c.summarize(nil, fixedRiderRoute())
	assert.False(t, summary.HasAlerts)
	assert.Empty(t, summary.Severity)
	assert.Empty(t, summary.Alerts)
}

func TestCheckRouteEndToEnd(t *testing.T) {
	body := alertFeedBody(t, &gtfs.Alert{
		HeaderText: translated("Northbound F trains skip Carroll St"),
		InformedEntity: []*gtfs.EntitySelector{
			{RouteId: proto.String("F"), StopId: proto.String("F21N")},
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := newTestCorrelator(t, testConfig(srv.URL, ""))

	result := c.CheckRoute(context.Background(), fixedRiderRoute(), planner.Northbound)
	assert.True(t, result.HasAlerts)
	assert.Equal(t, SeveritySevere, result.Severity)
	require.Len(t, result.Alerts, 1)
	assert.True(t, result.Alerts[0].StationSkipping)
}
