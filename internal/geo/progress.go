package geo

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/example/freight-marketplace/internal/models"
)

// Travelled approximates the distance covered along path by a vehicle at pos.
// It snaps pos to the nearest valid waypoint (first minimum wins) and sums the
// segment lengths from the start of the path up to that waypoint. Forward
// progress is assumed; a path that loops back on itself may snap to a
// waypoint behind the vehicle.
func Travelled(path []models.Waypoint, pos models.Coord) float64 {
	if len(path) < 2 {
		return 0
	}
	nearest := 0
	best := math.Inf(1)
	for i, wp := range path {
		c, ok := WaypointCoord(wp)
		if !ok {
			continue
		}
		if d := Distance(c, pos); d < best {
			best = d
			nearest = i
		}
	}

	total := 0.0
	for i := 0; i < nearest; i++ {
		a, okA := WaypointCoord(path[i])
		b, okB := WaypointCoord(path[i+1])
		if !okA || !okB {
			continue
		}
		total += Distance(a, b)
	}
	return total
}

// WaypointCoord returns the coordinate of wp, or false when it is incomplete
// or out of range.
func WaypointCoord(wp models.Waypoint) (models.Coord, bool) {
	if wp.Lat == nil || wp.Lng == nil {
		return models.Coord{}, false
	}
	c := models.Coord{Lat: *wp.Lat, Lon: *wp.Lng}
	return c, Valid(c)
}

// EncodePath serialises route points in the persisted {"lat","lng"} form.
func EncodePath(points []models.Coord) (json.RawMessage, error) {
	wps := make([]models.Waypoint, len(points))
	for i := range points {
		lat, lng := points[i].Lat, points[i].Lon
		wps[i] = models.Waypoint{Lat: &lat, Lng: &lng}
	}
	b, err := json.Marshal(wps)
	if err != nil {
		return nil, fmt.Errorf("geo.EncodePath: %w", err)
	}
	return b, nil
}

// DecodePath parses persisted route geometry.
func DecodePath(raw json.RawMessage) ([]models.Waypoint, error) {
	var wps []models.Waypoint
	if err := json.Unmarshal(raw, &wps); err != nil {
		return nil, fmt.Errorf("geo.DecodePath: %w", err)
	}
	return wps, nil
}
