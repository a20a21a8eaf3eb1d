package geo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/models"
)

type failingPublisher struct{ calls int }

func (p *failingPublisher) PublishPosition(context.Context, models.PositionEvent) error {
	p.calls++
	return errors.New("broker down")
}

func TestSyncerMirrorsOperatorState(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	pub := &failingPublisher{}
	s := &Syncer{Geo: idx, Publisher: pub}

	pos := models.Coord{Lat: 40.4168, Lon: -3.7038}
	s.Sync(ctx, models.Operator{ID: 4, Available: true, Reputation: 4.2, Position: &pos})
	near, err := idx.Nearby(ctx, pos.Lat, pos.Lon, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, 4.2, near[0].Reputation)
	assert.Equal(t, 1, pub.calls)

	s.Sync(ctx, models.Operator{ID: 4, Available: false, Position: &pos})
	near, err = idx.Nearby(ctx, pos.Lat, pos.Lon, 5)
	require.NoError(t, err)
	assert.Empty(t, near)
}

func TestSyncerSkipsUnpositionedOperators(t *testing.T) {
	idx := NewIndex()
	(&Syncer{Geo: idx}).Sync(context.Background(), models.Operator{ID: 9, Available: true})
	assert.Empty(t, idx.operators)

	var nilSyncer *Syncer
	nilSyncer.Sync(context.Background(), models.Operator{ID: 9})
}
