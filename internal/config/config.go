package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	TransportMemory = "memory"
	TransportRedis  = "redis"

	defaultMongoDatabase = "classroom"
)

type StoreConfig struct {
	Driver        string
	DSN           string
	MongoDatabase string
}

// TransportConfig selects the medium the server's own classroom seat uses.
// Websocket clients always reach the in-process relay.
type TransportConfig struct {
	Driver    string
	RedisAddr string
	Namespace string
}

// Timing tunes the activity aggregator. Zero values keep its defaults.
type Timing struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PulseWindow   time.Duration
	PulseInterval time.Duration
}

type Config struct {
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	Store          StoreConfig
	Transport      TransportConfig
	Timing         Timing
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, errors.New("empty key")
	}
	return key, nil
}

func NewConfig(serverAddr, base64Secret string, allowedOrigins []string, store StoreConfig, transport TransportConfig, timing Timing) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	switch store.Driver {
	case StoreMemory:
	case StorePostgres, StoreMongo:
		if store.DSN == "" {
			return nil, fmt.Errorf("%s store requires a DSN", store.Driver)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", store.Driver)
	}
	if store.Driver == StoreMongo && store.MongoDatabase == "" {
		store.MongoDatabase = defaultMongoDatabase
	}

	switch transport.Driver {
	case TransportMemory:
	case TransportRedis:
		if transport.RedisAddr == "" {
			return nil, fmt.Errorf("redis transport requires an address")
		}
	default:
		return nil, fmt.Errorf("unknown transport driver %q", transport.Driver)
	}

	for name, d := range map[string]time.Duration{
		"idle timeout":   timing.IdleTimeout,
		"sweep interval": timing.SweepInterval,
		"pulse window":   timing.PulseWindow,
		"pulse interval": timing.PulseInterval,
	} {
		if d < 0 {
			return nil, fmt.Errorf("%s cannot be negative", name)
		}
	}

	return &Config{
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: slices.Clone(allowedOrigins),
		Store:          store,
		Transport:      transport,
		Timing:         timing,
	}, nil
}

// LoadEnv reads a .env file into the environment when one exists.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func GetEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func GetEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func GetEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
