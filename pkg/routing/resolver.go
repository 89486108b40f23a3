package routing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"lifeline-dispatch/pkg/geomath"
	"lifeline-dispatch/pkg/ontology"
)

type Config struct {
	// AssumedSpeedKmh drives the straight-line terminal fallback.
	AssumedSpeedKmh float64
}

func DefaultConfig() Config {
	return Config{AssumedSpeedKmh: geomath.DefaultSpeedKmh}
}

// Resolver walks the fallback chain: provider A, provider B, cached
// estimate for a nearby pair, then a straight-line estimate. The last tier
// cannot fail, so Resolve always returns an estimate.
type Resolver struct {
	providers []Provider
	cache     Cache // nil when no cache is configured
	cfg       Config

	nowFunc func() time.Time
}

func NewResolver(providers []Provider, routeCache Cache, cfg Config) *Resolver {
	if cfg.AssumedSpeedKmh <= 0 {
		cfg.AssumedSpeedKmh = DefaultConfig().AssumedSpeedKmh
	}
	return &Resolver{
		providers: providers,
		cache:     routeCache,
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (r *Resolver) SetNowFunc(now func() time.Time) {
	r.nowFunc = now
}

// Resolve tries each tier in order and short-circuits on the first answer.
// A provider failure falls straight through; it is never retried within the
// same call. Successful provider answers refresh the cache.
func (r *Resolver) Resolve(ctx context.Context, origin, dest ontology.Coordinate) *ontology.RouteEstimate {
	key := CacheKey(origin, dest)

	for _, p := range r.providers {
		est, err := p.Resolve(ctx, origin, dest)
		if err != nil {
			log.Debug().Err(err).Str("provider", p.Source()).Msg("Route provider failed, falling through")
			continue
		}
		est.ComputedAtMs = r.nowFunc().UnixMilli()

		if r.cache != nil {
			if err := r.cache.Set(ctx, key, est); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("Route cache write failed")
			}
		}
		return est
	}

	if r.cache != nil {
		if est, err := r.cache.Get(ctx, key); err == nil && est != nil {
			est.Source = ontology.RouteSourceCache
			return est
		}
	}

	distance := geomath.DistanceKm(origin, dest)
	return &ontology.RouteEstimate{
		Origin:          origin,
		Destination:     dest,
		DistanceKm:      distance,
		DurationMinutes: geomath.ETAMinutes(distance, r.cfg.AssumedSpeedKmh),
		Source:          ontology.RouteSourceStraightLine,
		ComputedAtMs:    r.nowFunc().UnixMilli(),
	}
}
