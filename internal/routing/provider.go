package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
)

// DefaultTimeout bounds a single upstream route lookup.
const DefaultTimeout = 30 * time.Second

// Provider resolves road routes for orders. FetchRoute never fails: when the
// upstream is unreachable or answers with something unusable it returns the
// straight two-point fallback with zero distance and duration.
type Provider struct {
	Client  Client
	Cache   Cache // optional
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewProvider(client Client, cache Cache, timeout time.Duration, logger *slog.Logger) *Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{Client: client, Cache: cache, Timeout: timeout, Logger: logger}
}

func (p *Provider) FetchRoute(ctx context.Context, origin, destination models.Coord) models.Route {
	if p.Cache != nil {
		if r, ok := p.Cache.Get(ctx, origin, destination); ok {
			observability.RouteFetchTotal.WithLabelValues("cache").Inc()
			return r
		}
	}
	if p.Client == nil {
		observability.RouteFetchTotal.WithLabelValues("fallback").Inc()
		return Fallback(origin, destination)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r, err := p.Client.Route(cctx, origin, destination)
	observability.RouteFetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger().Warn("route provider unavailable, using straight fallback",
			"origin", origin, "destination", destination, "error", err)
		observability.RouteFetchTotal.WithLabelValues("fallback").Inc()
		return Fallback(origin, destination)
	}
	observability.RouteFetchTotal.WithLabelValues("ok").Inc()
	if p.Cache != nil {
		p.Cache.Set(ctx, origin, destination, r)
	}
	return r
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Fallback is the degraded route used when no road geometry is available.
func Fallback(origin, destination models.Coord) models.Route {
	return models.Route{
		Points:   []models.Coord{origin, destination},
		Fallback: true,
	}
}
