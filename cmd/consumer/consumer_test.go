package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/config"
	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/models"
)

// fakeIndexer fails the first failures calls.
type fakeIndexer struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []models.PositionEvent
}

func (f *fakeIndexer) Upsert(_ context.Context, ev models.PositionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis unavailable")
	}
	f.got = append(f.got, ev)
	return nil
}

func position(id int64) models.PositionEvent {
	return models.PositionEvent{OperatorID: id, Loc: models.Coord{Lat: 40.4168, Lon: -3.7038}, Available: true, Reputation: 4.5}
}

func TestUpsertWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeIndexer{failures: 2}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), f, position(1), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeIndexer{failures: 5}
	err := upsertWithRetry(context.Background(), f, position(1), 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestUpsertWithRetryStopsOnCancel(t *testing.T) {
	f := &fakeIndexer{failures: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := upsertWithRetry(ctx, f, position(1), 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestDecodePosition(t *testing.T) {
	b, err := json.Marshal(position(7))
	require.NoError(t, err)
	ev, err := decodePosition(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ev.OperatorID)

	for _, raw := range []string{`{`, `{"loc":{"lat":1,"lon":1}}`, `{"operator_id":3,"loc":{"lat":100,"lon":1}}`} {
		_, err := decodePosition([]byte(raw))
		assert.Error(t, err, raw)
	}
}

type fakeReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func TestRunIndexesValidMessages(t *testing.T) {
	good, err := json.Marshal(position(9))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{{Value: []byte("garbage")}, {Value: good}}}
	idx := &fakeIndexer{}
	cfg := config.ConsumerConfig{Attempts: 2, RetryDelay: time.Millisecond}

	run(ctx, reader, idx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Len(t, idx.got, 1)
	assert.Equal(t, int64(9), idx.got[0].OperatorID)
}

func TestRedisGeoReceivesConsumedPositions(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	index := geo.NewRedisGeo(rc, "operators_geo", 50)

	require.NoError(t, upsertWithRetry(context.Background(), index, position(11), 3, time.Millisecond))

	near, err := index.Nearby(context.Background(), 40.42, -3.70, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, int64(11), near[0].OperatorID)
	assert.Equal(t, 4.5, near[0].Reputation)
}
