package stations

import (
	"fmt"
	"strings"

	"subwaypal/internal/config"
)

// Catalog resolves rider-facing station names to line-specific stop ids.
// It is read-only; the underlying table ships in configuration.
type Catalog struct {
	byID    map[string]config.Station
	byAlias map[string]string
}

func NewCatalog(entries []config.Station) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[string]config.Station, len(entries)),
		byAlias: make(map[string]string),
	}
	for _, st := range entries {
		if st.ID == "" {
			return nil, fmt.Errorf("station %q: missing id", st.Name)
		}
		if _, dup := c.byID[st.ID]; dup {
			return nil, fmt.Errorf("station %q: duplicate id", st.ID)
		}
		c.byID[st.ID] = st
		c.byAlias[strings.ToLower(st.ID)] = st.ID
		if st.Name != "" {
			c.byAlias[strings.ToLower(st.Name)] = st.ID
		}
		for _, syn := range st.Synonyms {
			c.byAlias[strings.ToLower(syn)] = st.ID
		}
	}
	return c, nil
}

// Resolve maps a station id, display name or synonym to its entry.
// Matching is case-insensitive.
func (c *Catalog) Resolve(name string) (config.Station, bool) {
	id, ok := c.byAlias[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return config.Station{}, false
	}
	return c.byID[id], true
}

// StopID returns the parent stop id for the station on the given line.
func (c *Catalog) StopID(stationID, line string) (string, error) {
	st, ok := c.byID[stationID]
	if !ok {
		return "", fmt.Errorf("unknown station %q", stationID)
	}
	stop, ok := st.Stops[line]
	if !ok {
		return "", fmt.Errorf("station %q is not served by line %s", stationID, line)
	}
	return stop, nil
}

// DirectionalStopID returns the platform-level stop id for one direction
// of travel: the parent stop id suffixed N or S.
func (c *Catalog) DirectionalStopID(stationID, line, direction string) (string, error) {
	stop, err := c.StopID(stationID, line)
	if err != nil {
		return "", err
	}
	return stop + direction, nil
}

// BaseStopID strips a trailing direction marker from a platform id.
func BaseStopID(stopID string) string {
	if n := len(stopID); n > 1 {
		switch stopID[n-1] {
		case 'N', 'S':
			return stopID[:n-1]
		}
	}
	return stopID
}
