package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables, optionally layered over a config
// file named by CONFIG_FILE, with defaults that run locally on memory
// storage.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaMatchTopic    string
	KafkaAnalysisTopic string

	AMQPURL           string
	AMQPExchange      string
	AnalysisBroker    string
	AnalysisWorkers   int
	AnalysisQueueSize int

	RequestTTL       time.Duration
	SweepInterval    time.Duration
	MatchMaxAttempts int
	AutoBanAtZero    bool

	LogLevel string
}

// ConsumerConfig is the match-event consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers    []string
	KafkaMatchTopic string
	KafkaGroup      string
	RedisAddr       string
	RedisPassword   string
	MatchCacheTTL   time.Duration
	MetricsAddr     string
	LogLevel        string
}

const (
	BrokerKafka = "kafka"
	BrokerAMQP  = "amqp"
	BrokerNone  = "none"
)

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("MIGRATE", false)
	v.SetDefault("REDIS_GEO_KEY", "walk_requests_geo")
	v.SetDefault("KAFKA_MATCH_TOPIC", "walk-matches")
	v.SetDefault("KAFKA_ANALYSIS_TOPIC", "report-analysis")
	v.SetDefault("KAFKA_GROUP", "walk-buddy-consumer")
	v.SetDefault("AMQP_EXCHANGE", "analysis_topic")
	v.SetDefault("ANALYSIS_BROKER", "")
	v.SetDefault("ANALYSIS_WORKERS", 2)
	v.SetDefault("ANALYSIS_QUEUE_SIZE", 256)
	v.SetDefault("REQUEST_TTL", "10m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("MATCH_MAX_ATTEMPTS", 3)
	v.SetDefault("AUTO_BAN_AT_ZERO", false)
	v.SetDefault("MATCH_CACHE_TTL", "30m")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("LOG_LEVEL", "info")

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	var errs []error

	cfg := ServerConfig{
		HTTPAddr:        strings.TrimSpace(v.GetString("HTTP_ADDR")),
		ReadTimeout:     duration(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    duration(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:     duration(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout: duration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),

		PGDSN:         strings.TrimSpace(v.GetString("PG_DSN")),
		RunMigrations: v.GetBool("MIGRATE"),

		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   strings.TrimSpace(v.GetString("REDIS_GEO_KEY")),

		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaMatchTopic:    strings.TrimSpace(v.GetString("KAFKA_MATCH_TOPIC")),
		KafkaAnalysisTopic: strings.TrimSpace(v.GetString("KAFKA_ANALYSIS_TOPIC")),

		AMQPURL:           strings.TrimSpace(v.GetString("AMQP_URL")),
		AMQPExchange:      strings.TrimSpace(v.GetString("AMQP_EXCHANGE")),
		AnalysisBroker:    strings.ToLower(strings.TrimSpace(v.GetString("ANALYSIS_BROKER"))),
		AnalysisWorkers:   v.GetInt("ANALYSIS_WORKERS"),
		AnalysisQueueSize: v.GetInt("ANALYSIS_QUEUE_SIZE"),

		RequestTTL:       duration(v, "REQUEST_TTL", &errs),
		SweepInterval:    duration(v, "SWEEP_INTERVAL", &errs),
		MatchMaxAttempts: v.GetInt("MATCH_MAX_ATTEMPTS"),
		AutoBanAtZero:    v.GetBool("AUTO_BAN_AT_ZERO"),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
	}

	// pick the broker from whatever is configured when not set explicitly
	if cfg.AnalysisBroker == "" {
		switch {
		case len(cfg.KafkaBrokers) > 0:
			cfg.AnalysisBroker = BrokerKafka
		case cfg.AMQPURL != "":
			cfg.AnalysisBroker = BrokerAMQP
		default:
			cfg.AnalysisBroker = BrokerNone
		}
	}

	switch cfg.AnalysisBroker {
	case BrokerKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("ANALYSIS_BROKER=kafka requires KAFKA_BROKERS"))
		}
	case BrokerAMQP:
		if cfg.AMQPURL == "" {
			errs = append(errs, errors.New("ANALYSIS_BROKER=amqp requires AMQP_URL"))
		}
	case BrokerNone:
	default:
		errs = append(errs, fmt.Errorf("ANALYSIS_BROKER must be kafka, amqp or none, got %q", cfg.AnalysisBroker))
	}
	if cfg.RequestTTL <= 0 {
		errs = append(errs, errors.New("REQUEST_TTL must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.MatchMaxAttempts <= 0 {
		errs = append(errs, errors.New("MATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.AnalysisWorkers <= 0 {
		errs = append(errs, errors.New("ANALYSIS_WORKERS must be > 0"))
	}
	if cfg.AnalysisQueueSize <= 0 {
		errs = append(errs, errors.New("ANALYSIS_QUEUE_SIZE must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ConsumerConfig{}, err
	}
	var errs []error
	cfg := ConsumerConfig{
		KafkaBrokers:    splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaMatchTopic: strings.TrimSpace(v.GetString("KAFKA_MATCH_TOPIC")),
		KafkaGroup:      strings.TrimSpace(v.GetString("KAFKA_GROUP")),
		RedisAddr:       strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:   v.GetString("REDIS_PASSWORD"),
		MatchCacheTTL:   duration(v, "MATCH_CACHE_TTL", &errs),
		MetricsAddr:     strings.TrimSpace(v.GetString("METRICS_ADDR")),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	return cfg, errors.Join(errs...)
}

func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
