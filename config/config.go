// Package config loads the node's runtime configuration from the
// environment, following the teacher's godotenv + getEnv pattern
// (internal/db/db.go's sibling config/config.go in the source repo),
// extended with the cluster knobs from spec.md §6.4.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	NodeID   string
	Address  string
	Version  string
	Region   string
	Port     string
	Env      string
	Capacity int64

	Redis RedisConfig
	JWT   JWTConfig
	WS    WSConfig

	Cluster ClusterConfig
	Retry   RetryDefaults
	Breaker BreakerDefaults
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type WSConfig struct {
	MaxMessageSize int64
	PongWait       int
}

// ClusterConfig holds the TTL/interval knobs of spec.md §6.4.
type ClusterConfig struct {
	ConnectionTTL         time.Duration
	CleanupInterval       time.Duration
	LoadBalanceThreshold  float64
	LoadBalanceInterval   time.Duration
	HeartbeatPeriod       time.Duration
	HeartbeatTTL          time.Duration
	MessageTTL            time.Duration
	MigrationTTL          time.Duration
	DrainTimeout          time.Duration
	RedisOpTimeout        time.Duration
}

// RetryDefaults are the fallback parameters for the retry engine (§4.C).
type RetryDefaults struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterRange      float64
	AdaptiveWindow   int
	ErrorRateWeight  float64
	LoadWeight       float64
	MaxLoadMultiplier float64
	MinDelay         time.Duration
}

// BreakerDefaults are the fallback parameters for the circuit breaker.
type BreakerDefaults struct {
	Threshold  int
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

func (d RedisConfig) Key(parts ...string) string {
	key := d.Prefix
	for _, p := range parts {
		key += p
	}
	return key
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExp, _ := strconv.Atoi(getEnv("JWT_EXPIRATION_HOURS", "24"))
	wsMaxMsg, _ := strconv.ParseInt(getEnv("WS_MAX_MESSAGE_SIZE", "1048576"), 10, 64)
	wsPong, _ := strconv.Atoi(getEnv("WS_PONG_WAIT_SECONDS", "60"))
	capacity, _ := strconv.ParseInt(getEnv("NODE_CAPACITY", "10000"), 10, 64)

	return &Config{
		NodeID:   getEnv("NODE_ID", ""),
		Address:  getEnv("NODE_ADDRESS", "localhost"),
		Version:  getEnv("NODE_VERSION", "dev"),
		Region:   getEnv("NODE_REGION", "local"),
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		Capacity: capacity,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			Prefix:   getEnv("REDIS_PREFIX", "axonpuls:"),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", ""),
			ExpirationHours: jwtExp,
		},
		WS: WSConfig{
			MaxMessageSize: wsMaxMsg,
			PongWait:       wsPong,
		},
		Cluster: ClusterConfig{
			ConnectionTTL:        durationSeconds("CONNECTION_TTL", 300),
			CleanupInterval:      durationMillis("CLEANUP_INTERVAL", 60000),
			LoadBalanceThreshold: floatEnv("LOAD_BALANCE_THRESHOLD", 0.8),
			LoadBalanceInterval:  durationMillis("LOAD_BALANCE_INTERVAL", 5*60*1000),
			HeartbeatPeriod:      durationSeconds("HEARTBEAT_PERIOD", 10),
			HeartbeatTTL:         durationSeconds("HEARTBEAT_TTL", 30),
			MessageTTL:           durationSeconds("MESSAGE_TTL", 300),
			MigrationTTL:         durationSeconds("MIGRATION_TTL", 300),
			DrainTimeout:         durationMillis("DRAIN_TIMEOUT", 30000),
			RedisOpTimeout:       durationSeconds("REDIS_OP_TIMEOUT", 5),
		},
		Retry: RetryDefaults{
			MaxAttempts:       intEnv("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:         durationMillis("RETRY_BASE_DELAY_MS", 200),
			MaxDelay:          durationMillis("RETRY_MAX_DELAY_MS", 30000),
			Multiplier:        floatEnv("RETRY_MULTIPLIER", 2.0),
			JitterRange:       floatEnv("RETRY_JITTER_RANGE", 0.2),
			AdaptiveWindow:    intEnv("RETRY_ADAPTIVE_WINDOW", 20),
			ErrorRateWeight:   floatEnv("RETRY_ADAPTIVE_ERROR_WEIGHT", 1.0),
			LoadWeight:        floatEnv("RETRY_ADAPTIVE_LOAD_WEIGHT", 0.5),
			MaxLoadMultiplier: floatEnv("RETRY_ADAPTIVE_MAX_LOAD_MULTIPLIER", 3.0),
			MinDelay:          durationMillis("RETRY_MIN_DELAY_MS", 50),
		},
		Breaker: BreakerDefaults{
			Threshold:  intEnv("BREAKER_THRESHOLD", 5),
			MinTimeout: durationSeconds("BREAKER_MIN_TIMEOUT", 10),
			MaxTimeout: durationSeconds("BREAKER_MAX_TIMEOUT", 300),
		},
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if fallback == "" {
		log.Printf("WARNING: environment variable %s is not set", key)
	}
	return fallback
}

func durationSeconds(key string, fallback int) time.Duration {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func durationMillis(key string, fallback int) time.Duration {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

func floatEnv(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, fmt.Sprintf("%v", fallback)), 64)
	if err != nil {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}
