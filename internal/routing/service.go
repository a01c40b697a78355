package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"subwaypal/internal/alerts"
	"subwaypal/internal/api/gtfsrt"
	"subwaypal/internal/cache"
	"subwaypal/internal/config"
	"subwaypal/internal/planner"
	"subwaypal/internal/stations"
)

// WalkFunc estimates the walk minutes between a rider-supplied place and
// a station. When unset the configured walk minutes are used.
type WalkFunc func(ctx context.Context, place, stationID string) (int, error)

// Request asks for commute routes between two rider-named stations.
// A zero TargetArrival means "leaving now"; otherwise routes arriving
// after it are dropped.
type Request struct {
	Origin        string
	Destination   string
	TargetArrival time.Time
}

// Service computes ranked commute routes from the configured plans. The
// plan classes are planned in parallel, merged, sorted by arrival and
// truncated; a plan whose feed is down degrades the result instead of
// failing it unless every plan is down.
type Service struct {
	cfg     *config.Config
	catalog *stations.Catalog
	planner *planner.SegmentPlanner
	alerts  *alerts.Correlator
	store   *cache.Manager
	logger  *logrus.Logger
	now     func() time.Time

	// Walk overrides the configured walk minutes when set.
	Walk WalkFunc
}

func New(cfg *config.Config, catalog *stations.Catalog, pl *planner.SegmentPlanner, correlator *alerts.Correlator, store *cache.Manager, logger *logrus.Logger) *Service {
	return &Service{
		cfg:     cfg,
		catalog: catalog,
		planner: pl,
		alerts:  correlator,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// CalculateRoutes returns ranked direct routes for the request.
func (s *Service) CalculateRoutes(ctx context.Context, req Request) ([]planner.Route, error) {
	return s.calculate(ctx, req, true)
}

// CalculateAllRoutes returns ranked routes across every configured plan
// class: direct, one transfer and two transfers.
func (s *Service) CalculateAllRoutes(ctx context.Context, req Request) ([]planner.Route, error) {
	return s.calculate(ctx, req, false)
}

// ServiceAlerts returns the alerts in effect now or starting within the
// configured lookahead.
func (s *Service) ServiceAlerts(ctx context.Context) []alerts.ServiceAlert {
	return s.alerts.ActiveAlerts(ctx)
}

// EnrichRoutesWithAlerts marks each route that has relevant alerts. The
// input slice is not modified.
func (s *Service) EnrichRoutesWithAlerts(ctx context.Context, routes []planner.Route, direction planner.Direction) []planner.Route {
	if len(routes) == 0 {
		return routes
	}
	enriched := make([]planner.Route, len(routes))
	copy(enriched, routes)
	for i := range enriched {
		result := s.alerts.CheckRoute(ctx, enriched[i], direction)
		enriched[i].HasAlerts = result.HasAlerts
		enriched[i].AlertSeverity = string(result.Severity)
	}
	return enriched
}

// ClearAllCaches drops every cached feed, alert set and route set.
func (s *Service) ClearAllCaches() {
	s.store.Clear()
	s.logger.Info("cleared all caches")
}

func (s *Service) calculate(ctx context.Context, req Request, directOnly bool) ([]planner.Route, error) {
	t, err := s.tripFor(ctx, req.Origin, req.Destination)
	if err != nil {
		return nil, err
	}

	plans := s.plansFor(directOnly)
	if len(plans) == 0 {
		return nil, fmt.Errorf("no direct commute plans configured")
	}

	mode := "all"
	if directOnly {
		mode = "direct"
	}
	var target int64
	if !req.TargetArrival.IsZero() {
		target = req.TargetArrival.Unix()
	}
	key := fmt.Sprintf("routes|%s|%s|%d|%d|%d", t.direction, mode, t.walkToFirst, t.walkFromLast, target)

	routes, err := cache.GetOrCompute(ctx, s.store, key, s.cfg.Cache.RouteTTL(), func(ctx context.Context) ([]planner.Route, error) {
		return s.computeRoutes(ctx, plans, t, req.TargetArrival)
	})
	if err != nil {
		return nil, err
	}
	return s.EnrichRoutesWithAlerts(ctx, routes, t.direction), nil
}

type planOutcome struct {
	plan   string
	class  planner.RouteClass
	chains []planner.Chain
	err    error
}

func (s *Service) computeRoutes(ctx context.Context, plans []config.Plan, t trip, targetArrival time.Time) ([]planner.Route, error) {
	outcomes := pool.NewWithResults[planOutcome]()
	for _, plan := range plans {
		plan := plan
		outcomes.Go(func() planOutcome {
			req, err := s.chainRequest(plan, t)
			if err != nil {
				return planOutcome{plan: plan.Name, err: err}
			}
			chains, err := s.planner.PlanChains(ctx, req)
			return planOutcome{plan: plan.Name, class: classFor(plan), chains: chains, err: err}
		})
	}

	now := s.now()
	seq := make(map[planner.RouteClass]int)
	var routes []planner.Route
	var failures []string
	for _, out := range outcomes.Wait() {
		if out.err != nil {
			failures = append(failures, describeFailure(out.plan, out.err))
			s.logger.WithFields(logrus.Fields{
				"plan":  out.plan,
				"error": out.err,
			}).Warn("plan failed, continuing with the remaining plans")
			continue
		}
		for _, chain := range out.chains {
			routes = append(routes, planner.BuildRoute(chain, out.class, seq[out.class], now))
			seq[out.class]++
		}
	}

	if len(failures) == len(plans) {
		return nil, fmt.Errorf("all route plans failed: %s", strings.Join(failures, "; "))
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if !routes[i].ArrivalTime.Equal(routes[j].ArrivalTime) {
			return routes[i].ArrivalTime.Before(routes[j].ArrivalTime)
		}
		return routes[i].Transfers < routes[j].Transfers
	})

	if !targetArrival.IsZero() {
		kept := routes[:0]
		for _, r := range routes {
			if !r.ArrivalTime.After(targetArrival) {
				kept = append(kept, r)
			}
		}
		routes = kept
	}

	if len(routes) > s.cfg.MaxRoutes {
		routes = routes[:s.cfg.MaxRoutes]
	}

	s.logger.WithFields(logrus.Fields{
		"plans":  len(plans),
		"routes": len(routes),
	}).Debug("computed routes")

	return routes, nil
}

func describeFailure(plan string, err error) string {
	var feedErr *gtfsrt.FeedError
	if errors.As(err, &feedErr) {
		return fmt.Sprintf("%s: feed %s (%s)", plan, feedErr.Feed, feedErr.Kind)
	}
	return fmt.Sprintf("%s: %v", plan, err)
}

func (s *Service) plansFor(directOnly bool) []config.Plan {
	if !directOnly {
		return s.cfg.Commute.Plans
	}
	var direct []config.Plan
	for _, plan := range s.cfg.Commute.Plans {
		if len(plan.Segments) == 1 {
			direct = append(direct, plan)
		}
	}
	return direct
}

func classFor(plan config.Plan) planner.RouteClass {
	switch len(plan.Segments) {
	case 1:
		return planner.ClassDirect
	case 2:
		return planner.ClassOneTransfer
	}
	return planner.ClassTwoTransfer
}

// trip pins a request to one leg of the configured commute: the travel
// direction and the walk minutes at each end.
type trip struct {
	toWork       bool
	direction    planner.Direction
	walkToFirst  int
	walkFromLast int
}

func (s *Service) tripFor(ctx context.Context, origin, destination string) (trip, error) {
	from, ok := s.catalog.Resolve(origin)
	if !ok {
		return trip{}, fmt.Errorf("unknown origin station %q", origin)
	}
	to, ok := s.catalog.Resolve(destination)
	if !ok {
		return trip{}, fmt.Errorf("unknown destination station %q", destination)
	}

	cm := s.cfg.Commute
	var t trip
	switch {
	case from.ID == cm.HomeStation && to.ID == cm.WorkStation:
		t = trip{
			toWork:       true,
			direction:    planner.Direction(cm.ToWorkDirection),
			walkToFirst:  cm.HomeWalkMinutes,
			walkFromLast: cm.WorkWalkMinutes,
		}
	case from.ID == cm.WorkStation && to.ID == cm.HomeStation:
		t = trip{
			direction:    planner.Direction(cm.ToWorkDirection).Opposite(),
			walkToFirst:  cm.WorkWalkMinutes,
			walkFromLast: cm.HomeWalkMinutes,
		}
	default:
		return trip{}, fmt.Errorf("no commute plans cover %s to %s", from.Name, to.Name)
	}

	if s.Walk != nil {
		if minutes, err := s.Walk(ctx, origin, from.ID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"station": from.ID,
				"error":   err,
			}).Warn("walk estimate failed, using configured minutes")
		} else {
			t.walkToFirst = minutes
		}
		if minutes, err := s.Walk(ctx, destination, to.ID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"station": to.ID,
				"error":   err,
			}).Warn("walk estimate failed, using configured minutes")
		} else {
			t.walkFromLast = minutes
		}
	}

	return t, nil
}

// chainRequest compiles one configured plan into a plannable request.
// Plans are written in the to-work direction; for the trip home the
// segment order reverses, endpoints swap and directions flip.
func (s *Service) chainRequest(plan config.Plan, t trip) (planner.ChainRequest, error) {
	segments := make([]config.PlanSegment, len(plan.Segments))
	copy(segments, plan.Segments)
	transfers := make([]config.PlanTransfer, len(plan.Transfers))
	copy(transfers, plan.Transfers)

	if !t.toWork {
		reverseSegments(segments)
		reverseTransfers(transfers)
	}

	req := planner.ChainRequest{
		WalkToFirst:  t.walkToFirst,
		WalkFromLast: t.walkFromLast,
	}
	for _, seg := range segments {
		built, err := s.lineSegment(seg, t)
		if err != nil {
			return planner.ChainRequest{}, fmt.Errorf("plan %s: %w", plan.Name, err)
		}
		req.Segments = append(req.Segments, built)
	}
	for _, tr := range transfers {
		st, ok := s.catalog.Resolve(tr.Station)
		if !ok {
			return planner.ChainRequest{}, fmt.Errorf("plan %s: unknown transfer station %q", plan.Name, tr.Station)
		}
		req.Transfers = append(req.Transfers, planner.TransferPoint{
			Station:     st.ID,
			StationName: st.Name,
			FromLine:    tr.FromLine,
			ToLine:      tr.ToLine,
			CostMinutes: tr.Minutes,
		})
	}
	return req, nil
}

func (s *Service) lineSegment(seg config.PlanSegment, t trip) (planner.LineSegment, error) {
	dir := t.direction
	if seg.Direction != "" {
		dir = planner.Direction(seg.Direction)
		if !t.toWork {
			dir = dir.Opposite()
		}
	}

	feed, err := s.cfg.FeedForLine(seg.Line)
	if err != nil {
		return planner.LineSegment{}, err
	}
	from, ok := s.catalog.Resolve(seg.From)
	if !ok {
		return planner.LineSegment{}, fmt.Errorf("unknown station %q", seg.From)
	}
	to, ok := s.catalog.Resolve(seg.To)
	if !ok {
		return planner.LineSegment{}, fmt.Errorf("unknown station %q", seg.To)
	}
	fromStop, err := s.catalog.DirectionalStopID(from.ID, seg.Line, string(dir))
	if err != nil {
		return planner.LineSegment{}, err
	}
	toStop, err := s.catalog.DirectionalStopID(to.ID, seg.Line, string(dir))
	if err != nil {
		return planner.LineSegment{}, err
	}

	return planner.LineSegment{
		Line:        seg.Line,
		Direction:   dir,
		FromStation: from.ID,
		FromName:    from.Name,
		ToStation:   to.ID,
		ToName:      to.Name,
		Feed:        feed.Name,
		FeedURL:     feed.URL,
		FromStopID:  fromStop,
		ToStopID:    toStop,
	}, nil
}

func reverseSegments(segments []config.PlanSegment) {
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	for i := range segments {
		segments[i].From, segments[i].To = segments[i].To, segments[i].From
	}
}

func reverseTransfers(transfers []config.PlanTransfer) {
	for i, j := 0, len(transfers)-1; i < j; i, j = i+1, j-1 {
		transfers[i], transfers[j] = transfers[j], transfers[i]
	}
	for i := range transfers {
		transfers[i].FromLine, transfers[i].ToLine = transfers[i].ToLine, transfers[i].FromLine
	}
}
