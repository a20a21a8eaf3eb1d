package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
)

type fakeGeo struct {
	cands []geo.Candidate
	err   error
}

func (f *fakeGeo) Nearby(ctx context.Context, lat, lon float64, limit int) ([]geo.Candidate, error) {
	return f.cands, f.err
}

func (f *fakeGeo) Upsert(ctx context.Context, ev models.PositionEvent) error { return nil }

func TestChooseHigherReputationIfDistanceEqual(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{
		{OperatorID: 1, Reputation: 4.0, Available: true, DistanceKm: 10},
		{OperatorID: 2, Reputation: 5.0, Available: true, DistanceKm: 10},
	}}
	s := &Service{Geo: g, SpeedKmh: 60, TopN: 2}

	offers, err := s.Rank(context.Background(), models.Coord{}, nil)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, int64(2), offers[0].OperatorID)
	assert.InDelta(t, 10.0, offers[0].ETAMin, 1e-9)
	assert.InDelta(t, 40.0, offers[1].Cost, 1e-9)
}

func TestRankFiltersAndTruncates(t *testing.T) {
	g := &fakeGeo{cands: []geo.Candidate{
		{OperatorID: 1, Reputation: 5, Available: true, DistanceKm: 1},
		{OperatorID: 2, Reputation: 5, Available: false, DistanceKm: 0.5},
		{OperatorID: 3, Reputation: 5, Available: true, DistanceKm: 2},
		{OperatorID: 4, Reputation: 5, Available: true, DistanceKm: 3},
	}}
	s := &Service{Geo: g, TopN: 1}

	offers, err := s.Rank(context.Background(), models.Coord{}, func(id int64) bool { return id != 1 })
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, int64(3), offers[0].OperatorID)
}

func TestRankPropagatesGeoError(t *testing.T) {
	s := &Service{Geo: &fakeGeo{err: errors.New("redis down")}}
	_, err := s.Rank(context.Background(), models.Coord{}, nil)
	assert.Error(t, err)
}
