package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/freight-marketplace/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// Candidate is an indexed operator position with its distance to a query point.
type Candidate struct {
	OperatorID int64
	Loc        models.Coord
	Available  bool
	Reputation float64
	DistanceKm float64
}

// Geo is the operator position index used by the matcher and handlers.
type Geo interface {
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, ev models.PositionEvent) error
}

type Index struct {
	mu        sync.RWMutex
	operators map[int64]models.PositionEvent
}

func NewIndex() *Index {
	return &Index{operators: make(map[int64]models.PositionEvent)}
}

func (g *Index) Upsert(_ context.Context, ev models.PositionEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operators[ev.OperatorID] = ev
	return nil
}

// naive scan; only available operators are returned, closest first
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.operators))
	for _, ev := range g.operators {
		if !ev.Available {
			continue
		}
		arr = append(arr, Candidate{
			OperatorID: ev.OperatorID,
			Loc:        ev.Loc,
			Available:  ev.Available,
			Reputation: ev.Reputation,
			DistanceKm: Haversine(lat, lon, ev.Loc.Lat, ev.Loc.Lon),
		})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) || n <= 0 {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Valid reports whether c is a finite coordinate within the lat/lon ranges.
func Valid(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
