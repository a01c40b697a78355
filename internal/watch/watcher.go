package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"subwaypal/internal/alerts"
	"subwaypal/internal/planner"
	"subwaypal/internal/routing"
)

// RouteSource is the slice of the routing service the watcher drives.
type RouteSource interface {
	CalculateRoutes(ctx context.Context, req routing.Request) ([]planner.Route, error)
	CalculateAllRoutes(ctx context.Context, req routing.Request) ([]planner.Route, error)
	ServiceAlerts(ctx context.Context) []alerts.ServiceAlert
}

// Pusher delivers commute updates. *notify.Notifier satisfies it.
type Pusher interface {
	SendCommuteUpdate(lines, leaveBy, arrival string, totalMinutes, transfers int) error
	SendServiceAlert(header, severity string) error
	SendNoRoutes(origin, destination string) error
}

// Watcher recomputes the commute on an interval and pushes a
// notification when the best route or the alert set changes. A nil
// Pusher downgrades it to log-only.
type Watcher struct {
	source   RouteSource
	pusher   Pusher
	logger   *logrus.Logger
	req      routing.Request
	direct   bool
	interval time.Duration

	mu          sync.Mutex
	currentDay  int
	lastLeaveBy time.Time
	lastLines   string
	noRoutes    bool
	seenAlerts  map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(source RouteSource, pusher Pusher, logger *logrus.Logger, req routing.Request, direct bool, interval time.Duration) *Watcher {
	return &Watcher{
		source:     source,
		pusher:     pusher,
		logger:     logger,
		req:        req,
		direct:     direct,
		interval:   interval,
		seenAlerts: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped: context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info("watcher stopped: stop signal received")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	routes, err := w.calculate(ctx)
	if err != nil {
		w.logger.WithField("error", err).Error("route computation failed")
		return
	}
	active := w.source.ServiceAlerts(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Day() != w.currentDay {
		if w.currentDay != 0 {
			w.logger.Info("day changed, resetting notification state")
		}
		w.currentDay = now.Day()
		w.seenAlerts = make(map[string]bool)
		w.lastLeaveBy = time.Time{}
		w.lastLines = ""
		w.noRoutes = false
	}

	if len(routes) == 0 {
		if !w.noRoutes {
			w.noRoutes = true
			w.logger.WithFields(logrus.Fields{
				"origin":      w.req.Origin,
				"destination": w.req.Destination,
			}).Warn("no feasible routes")
			if w.pusher != nil {
				if err := w.pusher.SendNoRoutes(w.req.Origin, w.req.Destination); err != nil {
					w.logger.WithField("error", err).Error("notification failed")
				}
			}
		}
	} else {
		w.noRoutes = false
		best := routes[0]
		lines := strings.Join(best.Lines, "->")
		if !best.LeaveBy.Equal(w.lastLeaveBy) || lines != w.lastLines {
			w.lastLeaveBy = best.LeaveBy
			w.lastLines = lines
			w.logger.WithFields(logrus.Fields{
				"lines":   lines,
				"leave":   best.LeaveBy.Format("15:04"),
				"arrive":  best.ArrivalTime.Format("15:04"),
				"minutes": best.TotalDurationMinutes,
			}).Info("best route changed")
			if w.pusher != nil {
				err := w.pusher.SendCommuteUpdate(lines,
					best.LeaveBy.Format("15:04"), best.ArrivalTime.Format("15:04"),
					best.TotalDurationMinutes, best.Transfers)
				if err != nil {
					w.logger.WithField("error", err).Error("notification failed")
				}
			}
		}
	}

	for _, alert := range active {
		if w.seenAlerts[alert.ID] {
			continue
		}
		w.seenAlerts[alert.ID] = true
		w.logger.WithFields(logrus.Fields{
			"severity": alert.Severity,
			"header":   alert.Header,
		}).Info("new service alert")
		if w.pusher != nil {
			if err := w.pusher.SendServiceAlert(alert.Header, string(alert.Severity)); err != nil {
				w.logger.WithField("error", err).Error("notification failed")
			}
		}
	}
}

func (w *Watcher) calculate(ctx context.Context) ([]planner.Route, error) {
	if w.direct {
		return w.source.CalculateRoutes(ctx, w.req)
	}
	return w.source.CalculateAllRoutes(ctx, w.req)
}
