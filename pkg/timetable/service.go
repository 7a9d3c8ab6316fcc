package timetable

import (
	"context"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/logx"
)

// CachedService wraps a timetable source with the sqlite cache and a fetch
// timeout. Fetch failures and stale data degrade to the cached snapshot or to
// "no timetable" — never to a fatal error and never to a stalled tick.
type CachedService struct {
	source pkg.TimetableService
	cache  *Cache
	config *config.Config
	logger *logx.Logger
}

// NewCachedService wraps a timetable source with caching. Source may be nil,
// in which case only cached data is served.
func NewCachedService(source pkg.TimetableService, cache *Cache, cfg *config.Config, logger *logx.Logger) *CachedService {
	return &CachedService{
		source: source,
		cache:  cache,
		config: cfg,
		logger: logger,
	}
}

// Fetch returns the freshest usable timetable for the alert. The result is
// nil (with nil error) when nothing usable exists: callers treat that as "no
// timetable".
func (s *CachedService) Fetch(ctx context.Context, alert *pkg.Alert) (*pkg.Timetable, error) {
	validity := time.Duration(s.config.TimetableValidityS) * time.Second

	if s.source != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimetableFetchTimeoutS)*time.Second)
		tt, err := s.source.Fetch(fetchCtx, alert)
		cancel()

		if err == nil && tt != nil {
			if cacheErr := s.cache.Put(alert.ID, tt); cacheErr != nil {
				s.logger.Warn("Failed to cache timetable", "alert", alert.ID, "error", cacheErr)
			}
			return tt, nil
		}
		if err != nil {
			s.logger.Warn("Timetable fetch failed, falling back to cache", "alert", alert.ID, "error", err)
		}
	}

	cached, age, err := s.cache.Get(alert.ID)
	if err != nil {
		s.logger.Warn("Timetable cache read failed", "alert", alert.ID, "error", err)
		return nil, nil
	}
	if cached == nil {
		return nil, nil
	}
	if age > validity {
		s.logger.Debug("Cached timetable beyond validity window, treating as absent",
			"alert", alert.ID, "age", age.String(), "validity", validity.String())
		return nil, nil
	}
	return cached, nil
}
