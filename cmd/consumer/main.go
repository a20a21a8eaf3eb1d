package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/freight-marketplace/internal/config"
	"github.com/example/freight-marketplace/internal/geo"
	"github.com/example/freight-marketplace/internal/logging"
	"github.com/example/freight-marketplace/internal/models"
	"github.com/example/freight-marketplace/internal/observability"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("freight-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey, 0)

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	run(ctx, r, index, cfg, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is the subset of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// PositionIndexer is satisfied by geo.RedisGeo.
type PositionIndexer interface {
	Upsert(ctx context.Context, ev models.PositionEvent) error
}

// run consumes until ctx is cancelled. Read errors back off exponentially up
// to 30s; a successful read resets the backoff.
func run(ctx context.Context, r MessageReader, idx PositionIndexer, cfg config.ConsumerConfig, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if sleepCtx(ctx, backoff) != nil {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, m, idx, cfg, logger)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, idx PositionIndexer, cfg config.ConsumerConfig, logger *slog.Logger) {
	observability.ConsumerMessagesTotal.WithLabelValues("consumed").Inc()

	ev, err := decodePosition(m.Value)
	if err != nil {
		observability.ConsumerMessagesTotal.WithLabelValues("invalid").Inc()
		logger.Warn("invalid position event", "offset", m.Offset, "error", err)
		return
	}
	if err := upsertWithRetry(ctx, idx, ev, cfg.Attempts, cfg.RetryDelay); err != nil {
		observability.ConsumerMessagesTotal.WithLabelValues("failed").Inc()
		logger.Error("geo index update failed", "operator_id", ev.OperatorID, "error", err)
		return
	}
	observability.ConsumerMessagesTotal.WithLabelValues("indexed").Inc()
}

func decodePosition(b []byte) (models.PositionEvent, error) {
	var ev models.PositionEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if ev.OperatorID <= 0 {
		return ev, errors.New("operator_id missing")
	}
	if !geo.Valid(ev.Loc) {
		return ev, fmt.Errorf("location %v out of range", ev.Loc)
	}
	return ev, nil
}

// upsertWithRetry tries the index up to attempts times, doubling delay
// between tries.
func upsertWithRetry(ctx context.Context, idx PositionIndexer, ev models.PositionEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if sleepCtx(ctx, delay) != nil {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
