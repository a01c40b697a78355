package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"subwaypal/internal/cache"
)

// Client fetches and decodes GTFS-realtime feeds. Decoded feed messages
// are cached per URL so several stop extractions within the TTL cost one
// network call. The client never retries; retry policy belongs to the
// caller.
type Client struct {
	httpClient *http.Client
	store      *cache.Manager
	feedTTL    time.Duration
	apiKey     string
	logger     *logrus.Logger
}

// NewClient creates a feed client. store may be nil to disable caching.
// apiKey, when non-empty, is sent as the x-api-key header.
func NewClient(store *cache.Manager, timeout, feedTTL time.Duration, apiKey string, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		feedTTL:    feedTTL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// FetchMessage returns the decoded feed message at url. feed names the
// feed in errors and logs (for the MTA this is the line group, e.g.
// "bdfm").
func (c *Client) FetchMessage(ctx context.Context, feed, url string) (*gtfs.FeedMessage, error) {
	if c.store == nil {
		return c.fetch(ctx, feed, url)
	}
	return cache.GetOrCompute(ctx, c.store, "feed|"+url, c.feedTTL, func(ctx context.Context) (*gtfs.FeedMessage, error) {
		return c.fetch(ctx, feed, url)
	})
}

// Departures returns the future departures at a directional stop, sorted
// ascending by effective departure time and capped at max.
func (c *Client) Departures(ctx context.Context, feed, url, stopID string, max int) ([]StopTimeUpdate, error) {
	msg, err := c.FetchMessage(ctx, feed, url)
	if err != nil {
		return nil, err
	}
	departures := ExtractDepartures(msg, stopID, time.Now(), max)

	c.logger.WithFields(logrus.Fields{
		"feed":       feed,
		"stop":       stopID,
		"departures": len(departures),
	}).Debug("extracted departures")

	return departures, nil
}

func (c *Client) fetch(ctx context.Context, feed, url string) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FeedError{Kind: classifyTransport(err), Feed: feed, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FeedError{Kind: classifyStatus(resp.StatusCode), Feed: feed, URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FeedError{Kind: classifyTransport(err), Feed: feed, URL: url, Err: err}
	}
	if len(body) == 0 {
		return nil, &DecodeError{Feed: feed, URL: url, Reason: "empty response body"}
	}

	var msg gtfs.FeedMessage
	if err := proto.Unmarshal(body, &msg); err != nil {
		reason := "malformed feed message"
		if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
			reason = "response is not a feed message (content type " + ct + ")"
		}
		return nil, &DecodeError{Feed: feed, URL: url, Reason: reason, Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"feed":      feed,
		"entities":  len(msg.GetEntity()),
		"timestamp": msg.GetHeader().GetTimestamp(),
	}).Debug("decoded feed message")

	return &msg, nil
}

// ExtractDepartures scans msg for trip updates serving stopID and keeps
// those still in the future at now. Departure time is preferred over
// arrival; updates carrying neither are dropped.
func ExtractDepartures(msg *gtfs.FeedMessage, stopID string, now time.Time, max int) []StopTimeUpdate {
	nowEpoch := now.Unix()
	updates := []StopTimeUpdate{}

	for _, entity := range msg.GetEntity() {
		trip := entity.GetTripUpdate()
		if trip == nil {
			continue
		}
		for _, stu := range trip.GetStopTimeUpdate() {
			if stu.GetStopId() != stopID {
				continue
			}
			update := StopTimeUpdate{
				TripID:    trip.GetTrip().GetTripId(),
				RouteID:   trip.GetTrip().GetRouteId(),
				StopID:    stu.GetStopId(),
				Sequence:  stu.GetStopSequence(),
				Arrival:   stu.GetArrival().GetTime(),
				Departure: stu.GetDeparture().GetTime(),
			}
			switch {
			case stu.GetDeparture() != nil:
				update.Delay = stu.GetDeparture().GetDelay()
			case stu.GetArrival() != nil:
				update.Delay = stu.GetArrival().GetDelay()
			}

			when, ok := update.EffectiveDeparture()
			if !ok || when <= nowEpoch {
				continue
			}
			updates = append(updates, update)
		}
	}

	sort.Slice(updates, func(i, j int) bool {
		a, _ := updates[i].EffectiveDeparture()
		b, _ := updates[j].EffectiveDeparture()
		return a < b
	})
	if max > 0 && len(updates) > max {
		updates = updates[:max]
	}
	return updates
}
