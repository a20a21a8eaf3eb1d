package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
)

// Offer is one ranked operator for a pickup point.
type Offer struct {
	OperatorID int64   `json:"operator_id"`
	DistanceKm float64 `json:"distance_km"`
	ETAMin     float64 `json:"eta_min"`
	Reputation float64 `json:"reputation"`
	Cost       float64 `json:"cost"`
}

// Eligible lets callers drop candidates that cannot carry the load.
type Eligible func(operatorID int64) bool

type Service struct {
	Geo       geo.Geo
	SpeedKmh  float64
	TopN      int
	Overfetch int // extra candidates pulled to survive filtering
}

// Rank returns available operators near pickup ordered by cost, cheapest
// first. cost = eta_minutes + 30*(5 - reputation).
func (s *Service) Rank(ctx context.Context, pickup models.Coord, ok Eligible) ([]Offer, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = 60
	}
	cands, err := s.Geo.Nearby(ctx, pickup.Lat, pickup.Lon, topN+s.Overfetch)
	if err != nil {
		return nil, err
	}

	offers := make([]Offer, 0, len(cands))
	for _, c := range cands {
		if !c.Available {
			continue
		}
		if ok != nil && !ok(c.OperatorID) {
			continue
		}
		dist := c.DistanceKm
		if dist == 0 {
			dist = geo.Distance(c.Loc, pickup)
		}
		eta := dist * 60 / speed
		offers = append(offers, Offer{
			OperatorID: c.OperatorID,
			DistanceKm: dist,
			ETAMin:     eta,
			Reputation: c.Reputation,
			Cost:       eta + 30.0*(5.0-c.Reputation),
		})
	}
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Cost < offers[j].Cost })
	if len(offers) > topN {
		offers = offers[:topN]
	}
	return offers, nil
}
