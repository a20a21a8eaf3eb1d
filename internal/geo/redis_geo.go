package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-marketplace/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client   redis.UniversalClient
	key      string
	radiusKm float64
}

func NewRedisGeo(client redis.UniversalClient, key string, radiusKm float64) *RedisGeo {
	if radiusKm <= 0 {
		radiusKm = 200
	}
	return &RedisGeo{client: client, key: key, radiusKm: radiusKm}
}

func (r *RedisGeo) Upsert(ctx context.Context, ev models.PositionEvent) error {
	name := strconv.FormatInt(ev.OperatorID, 10)
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: ev.Loc.Lon, Latitude: ev.Loc.Lat, Name: name}).Err(); err != nil {
		return fmt.Errorf("geo.RedisGeo.Upsert: geoadd: %w", err)
	}
	meta := map[string]interface{}{
		"reputation": strconv.FormatFloat(ev.Reputation, 'f', -1, 64),
		"available":  strconv.FormatBool(ev.Available),
		"updated":    ev.At.UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, metaKey(name), meta).Err(); err != nil {
		return fmt.Errorf("geo.RedisGeo.Upsert: hset: %w", err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: r.radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo.RedisGeo.Nearby: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		c := Candidate{
			OperatorID: id,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("geo.RedisGeo.Nearby: meta: %w", err)
		}
		if v, ok := m["reputation"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				c.Reputation = f
			}
		}
		c.Available = m["available"] == "true"
		if !c.Available {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func metaKey(id string) string { return "operator:meta:" + id }
