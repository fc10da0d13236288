package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EventStream            string
	ConsumerGroup          string
	ConsumerName           string
	DispatchBlockMS        int
	DispatchRetryDelayMS   int
	DispatchClaimIdleMS    int
	HandlerFailurePolicy   string
	NotifyDedupeTTLSeconds int

	KafkaBrokers       []string
	KafkaClientID      string
	KafkaGroupID       string
	KafkaRetryMax      int
	KafkaWriteMS       int
	KafkaMirrorEnabled bool

	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxDeadSec     int
	SnapshotSec       int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int
	AuthRequired    bool
	RateLimitRPS    float64
	RateLimitBurst  int

	BatteryRatePerHour       float64
	BatteryReferenceSpeedKMH float64

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// DispatchBlock and friends convert the millisecond settings for the dispatcher.
func (c Config) DispatchBlock() time.Duration {
	return time.Duration(c.DispatchBlockMS) * time.Millisecond
}

func (c Config) DispatchRetryDelay() time.Duration {
	return time.Duration(c.DispatchRetryDelayMS) * time.Millisecond
}

func (c Config) DispatchClaimIdle() time.Duration {
	return time.Duration(c.DispatchClaimIdleMS) * time.Millisecond
}

func (c Config) NotifyDedupeTTL() time.Duration {
	return time.Duration(c.NotifyDedupeTTLSeconds) * time.Second
}

func (c Config) FailClosed() bool {
	return c.HandlerFailurePolicy == PolicyFailClosed
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	hostname, _ := os.Hostname()
	cfg := Config{
		Env:              envRaw,
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,

		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		EventStream:            "domain_events",
		ConsumerGroup:          "event_handlers",
		ConsumerName:           hostname,
		DispatchBlockMS:        2000,
		DispatchRetryDelayMS:   5000,
		DispatchClaimIdleMS:    60000,
		HandlerFailurePolicy:   PolicyFailOpen,
		NotifyDedupeTTLSeconds: 86400,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		AsynqQueue:        "default",
		AsynqConcurrency:  10,
		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 0,
		OutboxDeadSec:     3600,
		SnapshotSec:       60,

		InfluxTimeoutMS: 5000,

		JWKSTTLSeconds:  300,
		JWTClockSkewSec: 60,
		RateLimitRPS:    20,
		RateLimitBurst:  40,

		BatteryRatePerHour:       10,
		BatteryReferenceSpeedKMH: 20,

		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath); ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		for k, v := range fileData {
			apply(&cfg, strings.ToUpper(strings.TrimSpace(k)), v, &problems)
		}
	} else {
		problems = append(problems, fileProblems...)
	}

	for _, key := range knownKeys {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			apply(&cfg, key, v, &problems)
		}
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" && os.Getenv("HTTP_PORT") == "" {
		apply(&cfg, "HTTP_PORT", v, &problems)
	}

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
		cfg.AsynqRedisPass = cfg.RedisPassword
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

var knownKeys = []string{
	"ENV", "SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"EVENT_STREAM", "CONSUMER_GROUP", "CONSUMER_NAME", "DISPATCH_BLOCK_MS", "DISPATCH_RETRY_DELAY_MS",
	"DISPATCH_CLAIM_IDLE_MS", "HANDLER_FAILURE_POLICY", "NOTIFY_DEDUPE_TTL_SECONDS",
	"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS",
	"KAFKA_MIRROR_ENABLED",
	"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
	"OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_DEAD_REQUEUE_SECONDS",
	"SNAPSHOT_INTERVAL_SECONDS",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
	"OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL", "JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS",
	"AUTH_REQUIRED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BATTERY_RATE_PER_HOUR", "BATTERY_REFERENCE_SPEED_KMH",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

// apply sets one key from either the config file (typed JSON values) or the
// environment (strings). Unknown keys are ignored.
func apply(cfg *Config, key string, v any, problems *[]Problem) {
	str := func(dst *string) {
		if s, ok := v.(string); ok {
			*dst = strings.TrimSpace(s)
		}
	}
	num := func(dst *int) {
		if i, ok := asInt(v); ok {
			*dst = i
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
	}
	flt := func(dst *float64) {
		if f, ok := asFloat(v); ok {
			*dst = f
			return
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
	}
	boolean := func(dst *bool) {
		switch t := v.(type) {
		case bool:
			*dst = t
			return
		case string:
			if b, ok := asBool(t); ok {
				*dst = b
				return
			}
		}
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}

	switch key {
	case "ENV":
		str(&cfg.Env)
	case "SERVICE_NAME":
		str(&cfg.ServiceName)
	case "HTTP_PORT":
		num(&cfg.HTTPPort)
	case "LOG_LEVEL":
		str(&cfg.LogLevel)
	case "REQUEST_TIMEOUT_MS":
		num(&cfg.RequestTimeoutMS)
	case "DATABASE_URL":
		str(&cfg.DatabaseURL)
	case "DB_MAX_CONNS":
		num(&cfg.DBMaxConns)
	case "DB_MIN_CONNS":
		num(&cfg.DBMinConns)
	case "DB_CONN_MAX_IDLE_SECONDS":
		num(&cfg.DBConnMaxIdleSec)
	case "DB_CONN_MAX_LIFETIME_SECONDS":
		num(&cfg.DBConnMaxLifeSec)
	case "REDIS_ADDR":
		str(&cfg.RedisAddr)
	case "REDIS_PASSWORD":
		str(&cfg.RedisPassword)
	case "REDIS_DB":
		num(&cfg.RedisDB)
	case "EVENT_STREAM":
		str(&cfg.EventStream)
	case "CONSUMER_GROUP":
		str(&cfg.ConsumerGroup)
	case "CONSUMER_NAME":
		str(&cfg.ConsumerName)
	case "DISPATCH_BLOCK_MS":
		num(&cfg.DispatchBlockMS)
	case "DISPATCH_RETRY_DELAY_MS":
		num(&cfg.DispatchRetryDelayMS)
	case "DISPATCH_CLAIM_IDLE_MS":
		num(&cfg.DispatchClaimIdleMS)
	case "HANDLER_FAILURE_POLICY":
		str(&cfg.HandlerFailurePolicy)
		cfg.HandlerFailurePolicy = strings.ToLower(cfg.HandlerFailurePolicy)
	case "NOTIFY_DEDUPE_TTL_SECONDS":
		num(&cfg.NotifyDedupeTTLSeconds)
	case "KAFKA_BROKERS":
		switch t := v.(type) {
		case string:
			cfg.KafkaBrokers = parseCSV(t)
		case []any:
			cfg.KafkaBrokers = parseAnyCSV(t)
		default:
			*problems = append(*problems, Problem{Field: key, Message: "KAFKA_BROKERS must be a list or CSV string"})
		}
	case "KAFKA_CLIENT_ID":
		str(&cfg.KafkaClientID)
	case "KAFKA_CONSUMER_GROUP":
		str(&cfg.KafkaGroupID)
	case "KAFKA_RETRY_MAX":
		num(&cfg.KafkaRetryMax)
	case "KAFKA_WRITE_TIMEOUT_MS":
		num(&cfg.KafkaWriteMS)
	case "KAFKA_MIRROR_ENABLED":
		boolean(&cfg.KafkaMirrorEnabled)
	case "ASYNQ_REDIS_ADDR":
		str(&cfg.AsynqRedisAddr)
	case "ASYNQ_REDIS_PASSWORD":
		str(&cfg.AsynqRedisPass)
	case "ASYNQ_REDIS_DB":
		num(&cfg.AsynqRedisDB)
	case "ASYNQ_QUEUE":
		str(&cfg.AsynqQueue)
	case "ASYNQ_CONCURRENCY":
		num(&cfg.AsynqConcurrency)
	case "OUTBOX_SCAN_INTERVAL_SECONDS":
		num(&cfg.OutboxScanSec)
	case "OUTBOX_BATCH_SIZE":
		num(&cfg.OutboxBatchSize)
	case "OUTBOX_MAX_ATTEMPTS":
		num(&cfg.OutboxMaxAttempts)
	case "OUTBOX_DEAD_REQUEUE_SECONDS":
		num(&cfg.OutboxDeadSec)
	case "SNAPSHOT_INTERVAL_SECONDS":
		num(&cfg.SnapshotSec)
	case "INFLUX_URL":
		str(&cfg.InfluxURL)
	case "INFLUX_TOKEN":
		str(&cfg.InfluxToken)
	case "INFLUX_ORG":
		str(&cfg.InfluxOrg)
	case "INFLUX_BUCKET":
		str(&cfg.InfluxBucket)
	case "INFLUX_TIMEOUT_MS":
		num(&cfg.InfluxTimeoutMS)
	case "OIDC_ISSUER":
		str(&cfg.OIDCIssuer)
	case "OIDC_AUDIENCE":
		str(&cfg.OIDCAudience)
	case "OIDC_JWKS_URL":
		str(&cfg.OIDCJWKSURL)
	case "JWKS_CACHE_TTL_SECONDS":
		num(&cfg.JWKSTTLSeconds)
	case "JWT_CLOCK_SKEW_SECONDS":
		num(&cfg.JWTClockSkewSec)
	case "AUTH_REQUIRED":
		boolean(&cfg.AuthRequired)
	case "RATE_LIMIT_RPS":
		flt(&cfg.RateLimitRPS)
	case "RATE_LIMIT_BURST":
		num(&cfg.RateLimitBurst)
	case "BATTERY_RATE_PER_HOUR":
		flt(&cfg.BatteryRatePerHour)
	case "BATTERY_REFERENCE_SPEED_KMH":
		flt(&cfg.BatteryReferenceSpeedKMH)
	case "OTEL_ENABLED":
		boolean(&cfg.OtelEnabled)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		str(&cfg.OtelEndpoint)
	case "OTEL_EXPORTER_OTLP_INSECURE":
		boolean(&cfg.OtelInsecure)
	case "OTEL_SAMPLE_RATIO":
		flt(&cfg.OtelSampleRatio)
	}
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	fix := func(bad bool, field string, msg string, reset func()) {
		if bad {
			*problems = append(*problems, Problem{Field: field, Message: msg})
			reset()
		}
	}

	fix(cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535, "HTTP_PORT", "HTTP_PORT must be 1-65535", func() { cfg.HTTPPort = httpPortDefault })
	fix(cfg.RequestTimeoutMS <= 0, "REQUEST_TIMEOUT_MS", "REQUEST_TIMEOUT_MS must be > 0", func() { cfg.RequestTimeoutMS = 30000 })
	fix(cfg.DBMaxConns <= 0, "DB_MAX_CONNS", "DB_MAX_CONNS must be > 0", func() { cfg.DBMaxConns = 10 })
	fix(cfg.DBMinConns < 0, "DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0", func() { cfg.DBMinConns = 1 })
	fix(cfg.DBMinConns > cfg.DBMaxConns, "DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS", func() { cfg.DBMinConns = cfg.DBMaxConns })
	fix(cfg.DBConnMaxIdleSec <= 0, "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_IDLE_SECONDS must be > 0", func() { cfg.DBConnMaxIdleSec = 300 })
	fix(cfg.DBConnMaxLifeSec <= 0, "DB_CONN_MAX_LIFETIME_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS must be > 0", func() { cfg.DBConnMaxLifeSec = 1800 })
	fix(cfg.RedisDB < 0, "REDIS_DB", "REDIS_DB must be >= 0", func() { cfg.RedisDB = 0 })
	fix(cfg.EventStream == "", "EVENT_STREAM", "EVENT_STREAM must not be empty", func() { cfg.EventStream = "domain_events" })
	fix(cfg.ConsumerGroup == "", "CONSUMER_GROUP", "CONSUMER_GROUP must not be empty", func() { cfg.ConsumerGroup = "event_handlers" })
	fix(cfg.ConsumerName == "", "CONSUMER_NAME", "CONSUMER_NAME must not be empty", func() { cfg.ConsumerName = "consumer-1" })
	fix(cfg.DispatchBlockMS <= 0, "DISPATCH_BLOCK_MS", "DISPATCH_BLOCK_MS must be > 0", func() { cfg.DispatchBlockMS = 2000 })
	fix(cfg.DispatchRetryDelayMS <= 0, "DISPATCH_RETRY_DELAY_MS", "DISPATCH_RETRY_DELAY_MS must be > 0", func() { cfg.DispatchRetryDelayMS = 5000 })
	fix(cfg.DispatchClaimIdleMS <= 0, "DISPATCH_CLAIM_IDLE_MS", "DISPATCH_CLAIM_IDLE_MS must be > 0", func() { cfg.DispatchClaimIdleMS = 60000 })
	fix(cfg.HandlerFailurePolicy != PolicyFailOpen && cfg.HandlerFailurePolicy != PolicyFailClosed,
		"HANDLER_FAILURE_POLICY", "HANDLER_FAILURE_POLICY must be fail_open or fail_closed", func() { cfg.HandlerFailurePolicy = PolicyFailOpen })
	fix(cfg.NotifyDedupeTTLSeconds <= 0, "NOTIFY_DEDUPE_TTL_SECONDS", "NOTIFY_DEDUPE_TTL_SECONDS must be > 0", func() { cfg.NotifyDedupeTTLSeconds = 86400 })
	fix(cfg.KafkaRetryMax < 0, "KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0", func() { cfg.KafkaRetryMax = 5 })
	fix(cfg.KafkaWriteMS <= 0, "KAFKA_WRITE_TIMEOUT_MS", "KAFKA_WRITE_TIMEOUT_MS must be > 0", func() { cfg.KafkaWriteMS = 5000 })
	fix(cfg.KafkaMirrorEnabled && len(cfg.KafkaBrokers) == 0, "KAFKA_BROKERS", "KAFKA_BROKERS is required when KAFKA_MIRROR_ENABLED", func() { cfg.KafkaMirrorEnabled = false })
	fix(cfg.AsynqRedisDB < 0, "ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0", func() { cfg.AsynqRedisDB = 0 })
	fix(cfg.AsynqConcurrency <= 0, "ASYNQ_CONCURRENCY", "ASYNQ_CONCURRENCY must be > 0", func() { cfg.AsynqConcurrency = 10 })
	fix(cfg.OutboxScanSec <= 0, "OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0", func() { cfg.OutboxScanSec = 5 })
	fix(cfg.OutboxBatchSize <= 0, "OUTBOX_BATCH_SIZE", "OUTBOX_BATCH_SIZE must be > 0", func() { cfg.OutboxBatchSize = 50 })
	fix(cfg.OutboxMaxAttempts < 0, "OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_ATTEMPTS must be >= 0", func() { cfg.OutboxMaxAttempts = 0 })
	fix(cfg.OutboxDeadSec <= 0, "OUTBOX_DEAD_REQUEUE_SECONDS", "OUTBOX_DEAD_REQUEUE_SECONDS must be > 0", func() { cfg.OutboxDeadSec = 3600 })
	fix(cfg.SnapshotSec <= 0, "SNAPSHOT_INTERVAL_SECONDS", "SNAPSHOT_INTERVAL_SECONDS must be > 0", func() { cfg.SnapshotSec = 60 })
	fix(cfg.InfluxTimeoutMS <= 0, "INFLUX_TIMEOUT_MS", "INFLUX_TIMEOUT_MS must be > 0", func() { cfg.InfluxTimeoutMS = 5000 })
	fix(cfg.JWKSTTLSeconds <= 0, "JWKS_CACHE_TTL_SECONDS", "JWKS_CACHE_TTL_SECONDS must be > 0", func() { cfg.JWKSTTLSeconds = 300 })
	fix(cfg.JWTClockSkewSec < 0, "JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0", func() { cfg.JWTClockSkewSec = 60 })
	fix(cfg.AuthRequired && cfg.OIDCIssuer == "" && cfg.OIDCJWKSURL == "", "OIDC_ISSUER", "OIDC_ISSUER or OIDC_JWKS_URL is required when AUTH_REQUIRED", func() {})
	fix(cfg.RateLimitRPS < 0, "RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be >= 0", func() { cfg.RateLimitRPS = 20 })
	fix(cfg.RateLimitBurst <= 0, "RATE_LIMIT_BURST", "RATE_LIMIT_BURST must be > 0", func() { cfg.RateLimitBurst = 40 })
	fix(cfg.BatteryRatePerHour <= 0, "BATTERY_RATE_PER_HOUR", "BATTERY_RATE_PER_HOUR must be > 0", func() { cfg.BatteryRatePerHour = 10 })
	fix(cfg.BatteryReferenceSpeedKMH <= 0, "BATTERY_REFERENCE_SPEED_KMH", "BATTERY_REFERENCE_SPEED_KMH must be > 0", func() { cfg.BatteryReferenceSpeedKMH = 20 })
	fix(cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1, "OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1", func() { cfg.OtelSampleRatio = 1.0 })
}

func loadConfigFile(path string) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
