package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	defaultAppName          = "BTCVault"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultNetwork          = "testnet"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultAccessTokenTTL   = time.Hour
	defaultEsploraTimeout   = 10 * time.Second
	defaultEsploraRetries   = 2
	defaultEsploraRPS       = 5
	defaultSyncQueue        = "wallet-sync"
	defaultSyncWait         = 5 * time.Second
	defaultSyncVisibility   = 2 * time.Minute
	defaultSyncTimeout      = 60 * time.Second
	defaultSendLockTTL      = 2 * time.Minute
	defaultMinSendAmount    = 1000
	defaultSendRateLimit    = 5
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	keyVaultKeyEnvVar       = "KEY_VAULT_KEY"
	keyVaultKeyLen          = 32
	blockstreamMainnetURL   = "https://blockstream.info/api"
	blockstreamTestnetURL   = "https://blockstream.info/testnet/api"
	mempoolSignetURL        = "https://mempool.space/signet/api"
	regtestEsploraLocalhost = "http://localhost:3002"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret      string
	AccessTokenTTL time.Duration

	Network        string
	EsploraURL     string
	EsploraTimeout time.Duration
	EsploraRetries int
	EsploraRPS     float64

	// KeyVaultKey is the 32 byte master key used to seal wallet private keys.
	KeyVaultKey []byte

	SyncQueue      string
	SyncWait       time.Duration
	SyncVisibility time.Duration
	SyncTimeout    time.Duration
	WorkerEnabled  bool

	SendLockTTL   time.Duration
	MinSendAmount int64
	SendRateLimit int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		Network:        strings.ToLower(getEnv("BITCOIN_NETWORK", defaultNetwork)),
		SyncQueue:      getEnv("SYNC_QUEUE", defaultSyncQueue),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = durationFromEnv("", "ACCESS_TOKEN_TTL", defaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.EsploraTimeout, err = durationFromEnv("", "ESPLORA_TIMEOUT", defaultEsploraTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SyncWait, err = durationFromEnv("", "SYNC_WAIT", defaultSyncWait); err != nil {
		return Config{}, err
	}
	if cfg.SyncVisibility, err = durationFromEnv("", "SYNC_VISIBILITY", defaultSyncVisibility); err != nil {
		return Config{}, err
	}
	if cfg.SyncTimeout, err = durationFromEnv("", "SYNC_TIMEOUT", defaultSyncTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SendLockTTL, err = durationFromEnv("", "SEND_LOCK_TTL", defaultSendLockTTL); err != nil {
		return Config{}, err
	}
	// A lease shorter than the processing budget hands a running sync to a
	// second worker and the first worker's ack is refused.
	if cfg.SyncVisibility <= cfg.SyncTimeout {
		return Config{}, fmt.Errorf("SYNC_VISIBILITY (%s) must exceed SYNC_TIMEOUT (%s)", cfg.SyncVisibility, cfg.SyncTimeout)
	}

	if cfg.EsploraRetries, err = intFromEnv("ESPLORA_MAX_RETRIES", defaultEsploraRetries); err != nil {
		return Config{}, err
	}
	cfg.EsploraRPS = defaultEsploraRPS
	if v := os.Getenv("ESPLORA_RPS"); v != "" {
		if cfg.EsploraRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, fmt.Errorf("invalid ESPLORA_RPS: %w", err)
		}
	}
	if cfg.SendRateLimit, err = intFromEnv("SEND_RATE_LIMIT", defaultSendRateLimit); err != nil {
		return Config{}, err
	}
	minSend, err := intFromEnv("MIN_SEND_AMOUNT", defaultMinSendAmount)
	if err != nil {
		return Config{}, err
	}
	cfg.MinSendAmount = int64(minSend)

	cfg.WorkerEnabled = true
	if v := os.Getenv("WORKER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid WORKER_ENABLED: %w", err)
		}
		cfg.WorkerEnabled = enabled
	}

	if _, err := cfg.ChainParams(); err != nil {
		return Config{}, err
	}
	cfg.EsploraURL = strings.TrimRight(getEnv("ESPLORA_URL", defaultEsploraURL(cfg.Network)), "/")

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}

	key, err := hex.DecodeString(os.Getenv(keyVaultKeyEnvVar))
	if err != nil || len(key) != keyVaultKeyLen {
		return Config{}, fmt.Errorf("%s must be %d hex-encoded bytes", keyVaultKeyEnvVar, keyVaultKeyLen)
	}
	cfg.KeyVaultKey = key

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// ChainParams maps the configured network name onto btcd chain parameters.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported BITCOIN_NETWORK %q", c.Network)
	}
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func defaultEsploraURL(network string) string {
	switch network {
	case "mainnet":
		return blockstreamMainnetURL
	case "signet":
		return mempoolSignetURL
	case "regtest":
		return regtestEsploraLocalhost
	default:
		return blockstreamTestnetURL
	}
}

// durationFromEnv prefers an integer seconds variable, then a Go duration string.
func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
