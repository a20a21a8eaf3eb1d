package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/example/freight-marketplace/internal/models"
)

// Client fetches road routes between two points.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (models.Route, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route queries OSRM /route with full GeoJSON geometry. Coordinates come back
// as [lon, lat] pairs and are flipped into models.Coord.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=full&geometries=geojson
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Route{}, fmt.Errorf("osrm: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, fmt.Errorf("osrm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Route{}, fmt.Errorf("osrm: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, fmt.Errorf("osrm: decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	points := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			return models.Route{}, fmt.Errorf("osrm: malformed coordinate %v", c)
		}
		points = append(points, models.Coord{Lat: c[1], Lon: c[0]})
	}
	if len(points) < 2 {
		return models.Route{}, fmt.Errorf("osrm: geometry has %d points", len(points))
	}
	return models.Route{
		Points:      points,
		DistanceKm:  math.Round(r.Distance/1000*100) / 100,
		DurationMin: int(math.Round(r.Duration / 60)),
	}, nil
}
