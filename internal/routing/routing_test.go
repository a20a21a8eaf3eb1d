package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/models"
)

var (
	madrid    = models.Coord{Lat: 40.4168, Lon: -3.7038}
	barcelona = models.Coord{Lat: 41.3851, Lon: 2.1734}
)

const okBody = `{"code":"Ok","routes":[{"distance":621456.7,"duration":22340,
"geometry":{"type":"LineString","coordinates":[[-3.7038,40.4168],[-0.8891,41.6488],[2.1734,41.3851]]}}]}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOSRMClientParsesRoute(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = fmt.Fprint(w, okBody)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL+"/", time.Second)
	r, err := c.Route(context.Background(), madrid, barcelona)
	require.NoError(t, err)

	assert.Equal(t, "/route/v1/driving/-3.703800,40.416800;2.173400,41.385100", gotPath)
	assert.Contains(t, gotQuery, "overview=full")
	assert.Contains(t, gotQuery, "geometries=geojson")
	assert.Equal(t, 621.46, r.DistanceKm)
	assert.Equal(t, 372, r.DurationMin)
	require.Len(t, r.Points, 3)
	assert.Equal(t, madrid, r.Points[0])
	assert.Equal(t, models.Coord{Lat: 41.6488, Lon: -0.8891}, r.Points[1])
	assert.False(t, r.Fallback)
}

func TestOSRMClientErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"code":`)
		},
		"no route": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
		},
		"short geometry": func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":1,"duration":1,"geometry":{"coordinates":[[1]]}}]}`)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewOSRMClient(srv.URL, time.Second).Route(context.Background(), madrid, barcelona)
			assert.Error(t, err)
		})
	}
}

type stubClient struct {
	calls atomic.Int32
	route models.Route
	err   error
	delay time.Duration
}

func (s *stubClient) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return models.Route{}, ctx.Err()
		}
	}
	return s.route, s.err
}

func TestProviderFallbackOnError(t *testing.T) {
	p := NewProvider(&stubClient{err: errors.New("connection refused")}, nil, time.Second, quietLogger())

	r := p.FetchRoute(context.Background(), madrid, barcelona)
	assert.True(t, r.Fallback)
	assert.Equal(t, []models.Coord{madrid, barcelona}, r.Points)
	assert.Zero(t, r.DistanceKm)
	assert.Zero(t, r.DurationMin)
}

func TestProviderFallbackOnTimeout(t *testing.T) {
	p := NewProvider(&stubClient{delay: time.Second}, nil, 20*time.Millisecond, quietLogger())

	start := time.Now()
	r := p.FetchRoute(context.Background(), madrid, barcelona)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, r.Fallback)
	assert.Len(t, r.Points, 2)
}

func TestProviderFallbackWithoutClient(t *testing.T) {
	r := NewProvider(nil, nil, 0, nil).FetchRoute(context.Background(), madrid, barcelona)
	assert.True(t, r.Fallback)
}

func TestProviderCachesSuccessOnly(t *testing.T) {
	good := models.Route{Points: []models.Coord{madrid, barcelona}, DistanceKm: 621.46, DurationMin: 373}
	c := &stubClient{route: good}
	p := NewProvider(c, NewMemoryCache(time.Minute), time.Second, quietLogger())

	assert.Equal(t, good, p.FetchRoute(context.Background(), madrid, barcelona))
	assert.Equal(t, good, p.FetchRoute(context.Background(), madrid, barcelona))
	assert.Equal(t, int32(1), c.calls.Load())

	failing := &stubClient{err: errors.New("down")}
	p = NewProvider(failing, NewMemoryCache(time.Minute), time.Second, quietLogger())
	p.FetchRoute(context.Background(), madrid, barcelona)
	p.FetchRoute(context.Background(), madrid, barcelona)
	assert.Equal(t, int32(2), failing.calls.Load())
}

func TestProviderAgainstOSRMServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := NewProvider(NewOSRMClient(srv.URL, time.Second), nil, time.Second, quietLogger())
	r := p.FetchRoute(context.Background(), madrid, barcelona)
	assert.True(t, r.Fallback)
	assert.Equal(t, []models.Coord{madrid, barcelona}, r.Points)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()
	c.Set(ctx, madrid, barcelona, models.Route{DistanceKm: 1})

	_, ok := c.Get(ctx, madrid, barcelona)
	assert.True(t, ok)
	_, ok = c.Get(ctx, barcelona, madrid)
	assert.False(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(ctx, madrid, barcelona)
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := NewRedisCache(client, time.Minute)
	_, ok := c.Get(ctx, madrid, barcelona)
	assert.False(t, ok)

	want := models.Route{Points: []models.Coord{madrid, barcelona}, DistanceKm: 621.46, DurationMin: 373}
	c.Set(ctx, madrid, barcelona, want)
	got, ok := c.Get(ctx, madrid, barcelona)
	require.True(t, ok)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, madrid, barcelona)
	assert.False(t, ok)
}
