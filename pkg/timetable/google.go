package timetable

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// GoogleService resolves timetables through the Google Directions API in
// transit mode. It needs a journey origin, which the alert monitor updates
// from the latest good fix.
type GoogleService struct {
	mu sync.RWMutex

	client *maps.Client
	config *config.Config
	logger *logx.Logger

	origin    pkg.Coordinate
	hasOrigin bool
}

// NewGoogleService creates a transit timetable service backed by the Google
// Directions API.
func NewGoogleService(cfg *config.Config, logger *logx.Logger) (*GoogleService, error) {
	if cfg.GoogleAPIKey == "" {
		return nil, fmt.Errorf("google timetable service requires an API key")
	}

	client, err := maps.NewClient(
		maps.WithAPIKey(cfg.GoogleAPIKey),
		maps.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimetableFetchTimeoutS) * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}

	return &GoogleService{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// SetOrigin updates the journey origin used for timetable queries.
func (g *GoogleService) SetOrigin(origin pkg.Coordinate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.origin = origin
	g.hasOrigin = true
}

// Fetch queries transit directions from the current origin to the alert's
// target station and converts the first route into a Timetable.
func (g *GoogleService) Fetch(ctx context.Context, alert *pkg.Alert) (*pkg.Timetable, error) {
	g.mu.RLock()
	origin := g.origin
	hasOrigin := g.hasOrigin
	g.mu.RUnlock()

	if !hasOrigin {
		return nil, fmt.Errorf("no journey origin known yet for alert %s", alert.ID)
	}

	req := &maps.DirectionsRequest{
		Origin:        fmt.Sprintf("%f,%f", origin.Latitude, origin.Longitude),
		Destination:   fmt.Sprintf("%f,%f", alert.Target.Latitude, alert.Target.Longitude),
		Mode:          maps.TravelModeTransit,
		TransitMode:   []maps.TransitMode{maps.TransitModeRail, maps.TransitModeSubway, maps.TransitModeTrain},
		DepartureTime: "now",
	}

	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("directions request failed: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return nil, fmt.Errorf("no transit route found for alert %s", alert.ID)
	}

	leg := routes[0].Legs[0]
	tt := &pkg.Timetable{
		DepartureTime: leg.DepartureTime,
		ArrivalTime:   leg.ArrivalTime,
		FetchedAt:     time.Now(),
	}

	for _, step := range leg.Steps {
		td := step.TransitDetails
		if td == nil {
			continue
		}
		if tt.TrainNumber == "" {
			tt.TrainNumber = td.Line.ShortName
			if tt.TrainNumber == "" {
				tt.TrainNumber = td.Line.Name
			}
		}
		tt.Stations = append(tt.Stations, pkg.Station{
			Name:             td.ArrivalStop.Name,
			ScheduledArrival: td.ArrivalTime,
		})
	}

	g.logger.Debug("Fetched timetable",
		"alert", alert.ID,
		"train", tt.TrainNumber,
		"arrival", tt.ArrivalTime.Format(time.RFC3339),
		"stations", len(tt.Stations))

	return tt, nil
}
