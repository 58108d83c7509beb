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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/walk-buddy/internal/config"
	"github.com/example/walk-buddy/internal/lifecycle"
	"github.com/example/walk-buddy/internal/logging"
	"github.com/example/walk-buddy/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total match events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	fs := pflag.NewFlagSet("walk-buddy-consumer", pflag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// metrics and health server
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

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaMatchTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaMatchTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, radapter, cfg.MatchCacheTTL, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, rc RedisUpdater, ttl time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.MatchEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.MatchID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid match event", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateRedisWithRetry(ctx, rc, &ev, ttl, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "match_id", ev.MatchID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

func matchKey(matchID string) string { return "walk:match:" + matchID }

func userMatchKey(userID string) string { return "walk:user:" + userID + ":match" }

func terminal(status string) bool {
	return lifecycle.MatchTerminal(models.MatchStatus(status))
}

// mirror writes the event's match hash with ttl and points both users at it,
// or clears the user pointers once the match is over.
func mirror(ctx context.Context, rc RedisUpdater, ev *models.MatchEvent, ttl time.Duration) error {
	fields := map[string]interface{}{
		"request_1_id": ev.Request1ID,
		"request_2_id": ev.Request2ID,
		"user_1_id":    ev.User1ID,
		"user_2_id":    ev.User2ID,
		"meetup_lat":   ev.Meetup.Lat,
		"meetup_lng":   ev.Meetup.Lng,
		"status":       ev.Status,
		"updated_at":   ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if err := rc.HSet(ctx, matchKey(ev.MatchID), fields); err != nil {
		return fmt.Errorf("hset %s: %w", matchKey(ev.MatchID), err)
	}
	if ttl > 0 {
		if err := rc.Expire(ctx, matchKey(ev.MatchID), ttl); err != nil {
			return fmt.Errorf("expire %s: %w", matchKey(ev.MatchID), err)
		}
	}
	if terminal(ev.Status) {
		return rc.Del(ctx, userMatchKey(ev.User1ID), userMatchKey(ev.User2ID))
	}
	var errs []error
	for _, uid := range []string{ev.User1ID, ev.User2ID} {
		if err := rc.Set(ctx, userMatchKey(uid), ev.MatchID, ttl); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", userMatchKey(uid), err))
		}
	}
	return errors.Join(errs...)
}

// updateRedisWithRetry mirrors ev with retry and exponential backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, ev *models.MatchEvent, ttl time.Duration, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = mirror(ctx, rc, ev, ttl); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
