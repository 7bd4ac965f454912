package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisGeoKeyPrefix  string
	RedisEventsChannel string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string

	PGDSN string

	Matching MatchingConfig

	ReservationAPIURL string
	DirectoryAPIURL   string
	JobAPIURL         string
	GatewayTimeout    time.Duration

	PushEndpoint string
	FCMEndpoint  string
	FCMKey       string
	SNSRegion    string
	SNSTopicARN  string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	LogLevel      string
	RunMigrations bool
}

// MatchingConfig holds the orchestrator tunables.
type MatchingConfig struct {
	DefaultRadiusKm      float64
	MaxDistanceKm        float64
	MaxRetryAttempts     int
	RequestExpiry        time.Duration
	MatchingExpiry       time.Duration // 0 disables the sweeper
	SweepSpec            string
	RadiusGrowth         float64
	GatewayRetryAttempts int
	GatewayRetryDelay    time.Duration
	TechnicianLockTTL    time.Duration
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		DefaultRadiusKm:      3.0,
		MaxDistanceKm:        10.0,
		MaxRetryAttempts:     3,
		RequestExpiry:        2 * time.Minute,
		MatchingExpiry:       15 * time.Minute,
		SweepSpec:            "@every 30s",
		RadiusGrowth:         1.5,
		GatewayRetryAttempts: 3,
		GatewayRetryDelay:    200 * time.Millisecond,
		TechnicianLockTTL:    30 * time.Minute,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKeyPrefix:   "technicians_geo",
		RedisEventsChannel:  "matching-events",
		KafkaEventsTopic:    "matching-events",
		KafkaLocationsTopic: "technician-locations",
		Matching:            DefaultMatchingConfig(),
		GatewayTimeout:      5 * time.Second,
		SNSRegion:           "us-east-1",
		DefaultSpeedMps:     10,
		LogLevel:            "info",
	}
}

// LoadServerConfig reads the environment, after merging an optional .env
// file from the working directory. Existing variables take precedence.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKeyPrefix, "REDIS_GEO_KEY_PREFIX")
	setStringFromEnv(&cfg.RedisEventsChannel, "REDIS_EVENTS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	m := &cfg.Matching
	setFloatFromEnv(&m.DefaultRadiusKm, "MATCHING_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&m.MaxDistanceKm, "MATCHING_MAX_DISTANCE_KM", &errs)
	setIntFromEnv(&m.MaxRetryAttempts, "MATCHING_MAX_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&m.RequestExpiry, "MATCHING_REQUEST_EXPIRY", &errs)
	setDurationFromEnv(&m.MatchingExpiry, "MATCHING_EXPIRY", &errs)
	setStringFromEnv(&m.SweepSpec, "MATCHING_SWEEP_SPEC")
	setFloatFromEnv(&m.RadiusGrowth, "MATCHING_RADIUS_GROWTH", &errs)
	setIntFromEnv(&m.GatewayRetryAttempts, "GATEWAY_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&m.GatewayRetryDelay, "GATEWAY_RETRY_DELAY", &errs)
	setDurationFromEnv(&m.TechnicianLockTTL, "TECHNICIAN_LOCK_TTL", &errs)

	cfg.ReservationAPIURL = strings.TrimSpace(os.Getenv("RESERVATION_API_URL"))
	cfg.DirectoryAPIURL = strings.TrimSpace(os.Getenv("DIRECTORY_API_URL"))
	cfg.JobAPIURL = strings.TrimSpace(os.Getenv("JOB_API_URL"))
	setDurationFromEnv(&cfg.GatewayTimeout, "GATEWAY_TIMEOUT", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setStringFromEnv(&cfg.SNSRegion, "SNS_REGION")
	cfg.SNSTopicARN = strings.TrimSpace(os.Getenv("SNS_TOPIC_ARN"))

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, m.Validate())
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_DEFAULT_SPEED_MPS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// Validate checks the orchestrator tunables for consistency.
func (m MatchingConfig) Validate() error {
	var errs []error
	if m.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_DEFAULT_RADIUS_KM must be > 0"))
	}
	if m.MaxDistanceKm < m.DefaultRadiusKm {
		errs = append(errs, fmt.Errorf("MATCHING_MAX_DISTANCE_KM must be >= MATCHING_DEFAULT_RADIUS_KM"))
	}
	if m.MaxRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_MAX_RETRY_ATTEMPTS must be > 0"))
	}
	if m.RequestExpiry <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_REQUEST_EXPIRY must be > 0"))
	}
	if m.MatchingExpiry < 0 {
		errs = append(errs, fmt.Errorf("MATCHING_EXPIRY must be >= 0"))
	}
	if m.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("MATCHING_RADIUS_GROWTH must be > 1"))
	}
	if m.GatewayRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_RETRY_ATTEMPTS must be > 0"))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
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
