package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Feed is one GTFS-realtime endpoint and the lines it carries.
type Feed struct {
	Name  string   `yaml:"name"`
	URL   string   `yaml:"url"`
	Lines []string `yaml:"lines"`
}

// Station maps a rider-facing station to its per-line parent stop ids.
// Directional platform ids are the parent id suffixed N or S.
type Station struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Synonyms []string          `yaml:"synonyms,omitempty"`
	Stops    map[string]string `yaml:"stops"` // line -> parent stop id
}

type AlertsConfig struct {
	URL              string `yaml:"url"`
	FallbackURL      string `yaml:"fallback_url"`
	TTLSeconds       int    `yaml:"ttl_seconds"`
	LookaheadMinutes int    `yaml:"lookahead_minutes"`
}

func (a AlertsConfig) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

func (a AlertsConfig) Lookahead() time.Duration {
	return time.Duration(a.LookaheadMinutes) * time.Minute
}

// TravelTime is the scheduled ride time between two stations on a line.
// Times apply in both directions.
type TravelTime struct {
	Line    string `yaml:"line"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
	Minutes int    `yaml:"minutes"`
}

// PlanSegment is one ride of a commute plan, written in the to-work
// direction. Direction defaults to the commute-wide to_work_direction.
type PlanSegment struct {
	Line      string `yaml:"line"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Direction string `yaml:"direction,omitempty"`
}

type PlanTransfer struct {
	Station  string `yaml:"station"`
	FromLine string `yaml:"from_line"`
	ToLine   string `yaml:"to_line"`
	Minutes  int    `yaml:"minutes"`
}

// Plan is one route class: 1 segment for direct, 2 for one transfer,
// 3 for two transfers.
type Plan struct {
	Name      string         `yaml:"name"`
	Segments  []PlanSegment  `yaml:"segments"`
	Transfers []PlanTransfer `yaml:"transfers,omitempty"`
}

type CommuteConfig struct {
	HomeStation     string `yaml:"home_station"`
	WorkStation     string `yaml:"work_station"`
	ToWorkDirection string `yaml:"to_work_direction"` // "N" or "S"
	HomeWalkMinutes int    `yaml:"home_walk_minutes"`
	WorkWalkMinutes int    `yaml:"work_walk_minutes"`
	Plans           []Plan `yaml:"plans"`
}

type CacheConfig struct {
	Size            int `yaml:"size"`
	FeedTTLSeconds  int `yaml:"feed_ttl_seconds"`
	RouteTTLSeconds int `yaml:"route_ttl_seconds"`
}

func (c CacheConfig) FeedTTL() time.Duration {
	return time.Duration(c.FeedTTLSeconds) * time.Second
}

func (c CacheConfig) RouteTTL() time.Duration {
	return time.Duration(c.RouteTTLSeconds) * time.Second
}

type Config struct {
	Feeds                 []Feed        `yaml:"feeds"`
	Alerts                AlertsConfig  `yaml:"alerts"`
	Stations              []Station     `yaml:"stations"`
	TravelTimes           []TravelTime  `yaml:"travel_times"`
	TravelFallbackMinutes int           `yaml:"travel_fallback_minutes"`
	Commute               CommuteConfig `yaml:"commute"`
	Cache                 CacheConfig   `yaml:"cache"`
	HTTPTimeoutSeconds    int           `yaml:"http_timeout_seconds"`
	APIKeyEnv             string        `yaml:"api_key_env,omitempty"`
	MaxDepartures         int           `yaml:"max_departures"`
	MaxRoutes             int           `yaml:"max_routes"`
	HomeLine              string        `yaml:"home_line"`
	DefaultAlertStations  []string      `yaml:"default_alert_stations"`
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// FeedForLine returns the feed carrying the given line.
func (c *Config) FeedForLine(line string) (Feed, error) {
	for _, feed := range c.Feeds {
		for _, l := range feed.Lines {
			if l == line {
				return feed, nil
			}
		}
	}
	return Feed{}, fmt.Errorf("no feed configured for line %s", line)
}

func (c *Config) station(id string) (Station, bool) {
	for _, st := range c.Stations {
		if st.ID == id {
			return st, true
		}
	}
	return Station{}, false
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Cache.Size == 0 {
		c.Cache.Size = 128
	}
	if c.Cache.FeedTTLSeconds == 0 {
		c.Cache.FeedTTLSeconds = 30
	}
	if c.Cache.RouteTTLSeconds == 0 {
		c.Cache.RouteTTLSeconds = 60
	}
	if c.Alerts.TTLSeconds == 0 {
		c.Alerts.TTLSeconds = 120
	}
	if c.Alerts.LookaheadMinutes == 0 {
		c.Alerts.LookaheadMinutes = 30
	}
	if c.HTTPTimeoutSeconds == 0 {
		c.HTTPTimeoutSeconds = 15
	}
	if c.MaxDepartures == 0 {
		c.MaxDepartures = 6
	}
	if c.MaxRoutes == 0 {
		c.MaxRoutes = 5
	}
	if c.TravelFallbackMinutes == 0 {
		c.TravelFallbackMinutes = 5
	}
}

func (c *Config) Validate() error {
	if len(c.Feeds) == 0 {
		return fmt.Errorf("at least one feed is required")
	}
	for _, feed := range c.Feeds {
		if feed.Name == "" || feed.URL == "" {
			return fmt.Errorf("feed %q: name and url are required", feed.Name)
		}
		if len(feed.Lines) == 0 {
			return fmt.Errorf("feed %q: lines are required", feed.Name)
		}
	}

	if c.Alerts.URL == "" {
		return fmt.Errorf("alerts: url is required")
	}

	if len(c.Stations) == 0 {
		return fmt.Errorf("at least one station is required")
	}
	seen := make(map[string]bool)
	for _, st := range c.Stations {
		if st.ID == "" || st.Name == "" {
			return fmt.Errorf("station %q: id and name are required", st.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("station %q: duplicate id", st.ID)
		}
		seen[st.ID] = true
		if len(st.Stops) == 0 {
			return fmt.Errorf("station %q: stops are required", st.ID)
		}
	}

	for _, tt := range c.TravelTimes {
		if tt.Minutes <= 0 {
			return fmt.Errorf("travel time %s %s->%s: minutes must be positive", tt.Line, tt.From, tt.To)
		}
	}

	if err := c.validateCommute(); err != nil {
		return err
	}

	if c.HomeLine == "" {
		return fmt.Errorf("home_line is required")
	}
	for _, id := range c.DefaultAlertStations {
		if _, ok := c.station(id); !ok {
			return fmt.Errorf("default_alert_stations: unknown station %q", id)
		}
	}

	return nil
}

func (c *Config) validateCommute() error {
	cm := c.Commute
	if _, ok := c.station(cm.HomeStation); !ok {
		return fmt.Errorf("commute: unknown home_station %q", cm.HomeStation)
	}
	if _, ok := c.station(cm.WorkStation); !ok {
		return fmt.Errorf("commute: unknown work_station %q", cm.WorkStation)
	}
	if cm.ToWorkDirection != "N" && cm.ToWorkDirection != "S" {
		return fmt.Errorf("commute: to_work_direction must be N or S, got %q", cm.ToWorkDirection)
	}
	if len(cm.Plans) == 0 {
		return fmt.Errorf("commute: at least one plan is required")
	}

	for _, plan := range cm.Plans {
		if err := c.validatePlan(plan); err != nil {
			return fmt.Errorf("plan %q: %w", plan.Name, err)
		}
	}
	return nil
}

func (c *Config) validatePlan(plan Plan) error {
	if len(plan.Segments) == 0 || len(plan.Segments) > 3 {
		return fmt.Errorf("needs 1 to 3 segments, has %d", len(plan.Segments))
	}
	if len(plan.Transfers) != len(plan.Segments)-1 {
		return fmt.Errorf("needs %d transfers, has %d", len(plan.Segments)-1, len(plan.Transfers))
	}

	if plan.Segments[0].From != c.Commute.HomeStation {
		return fmt.Errorf("first segment must start at home_station %q", c.Commute.HomeStation)
	}
	if plan.Segments[len(plan.Segments)-1].To != c.Commute.WorkStation {
		return fmt.Errorf("last segment must end at work_station %q", c.Commute.WorkStation)
	}

	for i, seg := range plan.Segments {
		if _, err := c.FeedForLine(seg.Line); err != nil {
			return err
		}
		if seg.Direction != "" && seg.Direction != "N" && seg.Direction != "S" {
			return fmt.Errorf("segment %d: direction must be N or S, got %q", i, seg.Direction)
		}
		for _, stationID := range []string{seg.From, seg.To} {
			st, ok := c.station(stationID)
			if !ok {
				return fmt.Errorf("segment %d: unknown station %q", i, stationID)
			}
			if _, served := st.Stops[seg.Line]; !served {
				return fmt.Errorf("segment %d: station %q is not served by line %s", i, stationID, seg.Line)
			}
		}
	}

	for i, tr := range plan.Transfers {
		if tr.Minutes < 0 {
			return fmt.Errorf("transfer %d: minutes must not be negative", i)
		}
		if tr.Station != plan.Segments[i].To || tr.Station != plan.Segments[i+1].From {
			return fmt.Errorf("transfer %d: station %q does not join segments %d and %d", i, tr.Station, i, i+1)
		}
		if tr.FromLine != plan.Segments[i].Line || tr.ToLine != plan.Segments[i+1].Line {
			return fmt.Errorf("transfer %d: lines %s->%s do not match the joined segments", i, tr.FromLine, tr.ToLine)
		}
	}

	return nil
}
