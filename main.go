package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"subwaypal/internal/alerts"
	"subwaypal/internal/api/gtfsrt"
	"subwaypal/internal/cache"
	"subwaypal/internal/config"
	"subwaypal/internal/notify"
	"subwaypal/internal/planner"
	"subwaypal/internal/routing"
	"subwaypal/internal/stations"
	"subwaypal/internal/watch"
)

var CLI struct {
	Config      string        `help:"Path to config file" default:"config.yaml" type:"path"`
	Origin      string        `help:"Origin station (id, name or synonym); defaults to the configured home station"`
	Destination string        `help:"Destination station (id, name or synonym); defaults to the configured work station"`
	ArriveBy    string        `help:"Drop routes arriving after this time (HH:MM)"`
	Direct      bool          `help:"Only consider direct routes"`
	Watch       time.Duration `help:"Recompute on this interval until interrupted"`
	Verbose     bool          `help:"Enable debug logging"`
}

func main() {
	kong.Parse(&CLI)

	// Setup structured logging with logfmt
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	if CLI.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})

	// Load configuration
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to load config")
	}

	origin := CLI.Origin
	if origin == "" {
		origin = cfg.Commute.HomeStation
	}
	destination := CLI.Destination
	if destination == "" {
		destination = cfg.Commute.WorkStation
	}

	targetArrival, err := parseArriveBy(CLI.ArriveBy, time.Now())
	if err != nil {
		logger.WithField("error", err).Fatal("invalid --arrive-by")
	}

	// The MTA no longer requires an API key, but honor one when configured.
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	// Initialize clients
	store := cache.NewManager(cfg.Cache.Size)
	client := gtfsrt.NewClient(store, cfg.HTTPTimeout(), cfg.Cache.FeedTTL(), apiKey, logger)

	catalog, err := stations.NewCatalog(cfg.Stations)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to build station catalog")
	}

	travel := planner.NewStaticTravelTimes(cfg.TravelFallbackMinutes)
	for _, tt := range cfg.TravelTimes {
		travel.Add(tt.Line, tt.From, tt.To, tt.Minutes)
	}

	// Initialize the route engine
	segmentPlanner := planner.NewSegmentPlanner(client, travel, cfg.MaxDepartures, logger)
	correlator := alerts.NewCorrelator(client, store, catalog, cfg, logger)
	service := routing.New(cfg, catalog, segmentPlanner, correlator, store, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig).Info("received signal, shutting down")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"origin":      origin,
		"destination": destination,
		"plans":       len(cfg.Commute.Plans),
	}).Info("starting subwaypal")

	req := routing.Request{
		Origin:        origin,
		Destination:   destination,
		TargetArrival: targetArrival,
	}

	runOnce := func() error {
		var routes []planner.Route
		var err error
		if CLI.Direct {
			routes, err = service.CalculateRoutes(ctx, req)
		} else {
			routes, err = service.CalculateAllRoutes(ctx, req)
		}
		if err != nil {
			return err
		}
		printRoutes(routes)
		printAlerts(service.ServiceAlerts(ctx))
		return nil
	}

	if err := runOnce(); err != nil {
		logger.WithField("error", err).Fatal("route computation failed")
	}
	if CLI.Watch <= 0 {
		return
	}

	// Push notifications are optional in watch mode
	var pusher watch.Pusher
	pushoverToken := os.Getenv("PUSHOVER_TOKEN")
	pushoverUser := os.Getenv("PUSHOVER_USER")
	if pushoverToken != "" && pushoverUser != "" {
		pusher = notify.NewNotifier(pushoverToken, pushoverUser, logger)
	} else {
		logger.Info("PUSHOVER_TOKEN and PUSHOVER_USER not set, watch mode will log only")
	}

	watcher := watch.New(service, pusher, logger, req, CLI.Direct, CLI.Watch)
	watcher.Start(ctx)

	// Wait for context cancellation
	<-ctx.Done()

	watcher.Stop()
	logger.Info("subwaypal stopped")
}

// parseArriveBy turns HH:MM into the next occurrence of that wall time.
func parseArriveBy(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing arrive-by time: %w", err)
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if target.Before(now) {
		target = target.Add(24 * time.Hour)
	}
	return target, nil
}

func printRoutes(routes []planner.Route) {
	if len(routes) == 0 {
		fmt.Println("no feasible routes right now")
		return
	}
	for _, r := range routes {
		note := ""
		if r.HasAlerts {
			note = fmt.Sprintf("  [alerts: %s]", r.AlertSeverity)
		}
		fmt.Printf("#%d %s  leave %s, arrive %s (%d min, %s confidence)%s\n",
			r.ID, strings.Join(r.Lines, "->"),
			r.LeaveBy.Format("15:04"), r.ArrivalTime.Format("15:04"),
			r.TotalDurationMinutes, r.Confidence, note)
		for _, step := range r.Steps {
			fmt.Printf("    %s\n", describeStep(step))
		}
	}
}

func describeStep(s planner.RouteStep) string {
	switch s.Kind {
	case planner.StepWalk:
		if s.To != "" {
			return fmt.Sprintf("walk %d min to %s", s.DurationMinutes, s.To)
		}
		return fmt.Sprintf("walk %d min from %s", s.DurationMinutes, s.From)
	case planner.StepWait:
		return fmt.Sprintf("wait %d min for the %s at %s", s.DurationMinutes, s.Line, s.From)
	case planner.StepTransit:
		return fmt.Sprintf("ride the %s from %s to %s (%d min)", s.Line, s.From, s.To, s.DurationMinutes)
	case planner.StepTransfer:
		return fmt.Sprintf("transfer to the %s at %s (%d min)", s.Line, s.From, s.DurationMinutes)
	}
	return fmt.Sprintf("%s %d min", s.Kind, s.DurationMinutes)
}

func printAlerts(active []alerts.ServiceAlert) {
	if len(active) == 0 {
		return
	}
	fmt.Printf("\n%d service alerts in effect:\n", len(active))
	for _, a := range active {
		fmt.Printf("  [%s] %s\n", a.Severity, a.Header)
	}
}
