package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/models"
)

type recordingNotifier struct {
	got []models.Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.got = append(r.got, n)
	return r.err
}

type fakePublisher struct{ got []models.Notification }

func (f *fakePublisher) PublishNotification(_ context.Context, n models.Notification) error {
	f.got = append(f.got, n)
	return nil
}

func TestPublishContinuesPastFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := &recordingNotifier{err: errors.New("down")}

	Publish(context.Background(), r, logger, []models.Notification{{ID: 1, UserID: 2}, {ID: 2, UserID: 2}})
	assert.Len(t, r.got, 2)
	assert.Contains(t, buf.String(), "notification publish failed")
}

func TestPublishNilNotifier(t *testing.T) {
	assert.NotPanics(t, func() {
		Publish(context.Background(), nil, nil, []models.Notification{{ID: 1}})
	})
}

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var got models.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := models.Notification{ID: 5, UserID: 7, Event: "Viaje #3 finalizado", Payload: models.NotificationPayload{Kind: models.KindTripFinalized, TripID: 3}}
	require.NoError(t, (&HTTPNotifier{Endpoint: srv.URL}).Notify(context.Background(), n))
	assert.Equal(t, n.Event, got.Event)
	assert.Equal(t, int64(3), got.Payload.TripID)
}

func TestHTTPNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	assert.Error(t, (&HTTPNotifier{Endpoint: srv.URL}).Notify(context.Background(), models.Notification{}))
}

func TestFanoutJoinsErrors(t *testing.T) {
	pub := &fakePublisher{}
	failing := &recordingNotifier{err: errors.New("nope")}
	f := Fanout{&KafkaNotifier{Publisher: pub}, failing, &LogNotifier{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}}

	err := f.Notify(context.Background(), models.Notification{ID: 1})
	assert.ErrorContains(t, err, "nope")
	assert.Len(t, pub.got, 1)
	assert.Len(t, failing.got, 1)
}
