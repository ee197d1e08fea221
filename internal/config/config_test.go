package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	var (
		addr      = "localhost:8080"
		key       = "c29tZV9zZWNyZXQ="
		orig      = []string{"http://localhost:3000"}
		memStore  = StoreConfig{Driver: StoreMemory}
		pgStore   = StoreConfig{Driver: StorePostgres, DSN: "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"}
		memTrans  = TransportConfig{Driver: TransportMemory, Namespace: "classroom"}
		redisAddr = TransportConfig{Driver: TransportRedis, RedisAddr: "localhost:6379"}
	)

	tcases := []struct {
		name      string
		addr      string
		key       string
		store     StoreConfig
		transport TransportConfig
		timing    Timing
		err       bool
	}{
		{
			name:      "valid memory config",
			addr:      addr,
			key:       key,
			store:     memStore,
			transport: memTrans,
		},
		{
			name:      "valid postgres and redis config",
			addr:      addr,
			key:       key,
			store:     pgStore,
			transport: redisAddr,
			timing:    Timing{IdleTimeout: time.Minute, PulseWindow: 10 * time.Second},
		},
		{
			name:      "empty address",
			addr:      "",
			key:       key,
			store:     memStore,
			transport: memTrans,
			err:       true,
		},
		{
			name:      "empty signing key",
			addr:      addr,
			key:       "",
			store:     memStore,
			transport: memTrans,
			err:       true,
		},
		{
			name:      "invalid signing key",
			addr:      addr,
			key:       "invalid_base64",
			store:     memStore,
			transport: memTrans,
			err:       true,
		},
		{
			name:      "postgres without DSN",
			addr:      addr,
			key:       key,
			store:     StoreConfig{Driver: StorePostgres},
			transport: memTrans,
			err:       true,
		},
		{
			name:      "mongo without DSN",
			addr:      addr,
			key:       key,
			store:     StoreConfig{Driver: StoreMongo},
			transport: memTrans,
			err:       true,
		},
		{
			name:      "unknown store driver",
			addr:      addr,
			key:       key,
			store:     StoreConfig{Driver: "sqlite"},
			transport: memTrans,
			err:       true,
		},
		{
			name:      "redis without address",
			addr:      addr,
			key:       key,
			store:     memStore,
			transport: TransportConfig{Driver: TransportRedis},
			err:       true,
		},
		{
			name:      "unknown transport driver",
			addr:      addr,
			key:       key,
			store:     memStore,
			transport: TransportConfig{Driver: "nats"},
			err:       true,
		},
		{
			name:      "negative timing",
			addr:      addr,
			key:       key,
			store:     memStore,
			transport: memTrans,
			timing:    Timing{SweepInterval: -time.Second},
			err:       true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.key, orig, tc.store, tc.transport, tc.timing)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			require.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.store, config.Store, "expected store config to match")
			assert.Equal(t, tc.transport, config.Transport, "expected transport config to match")
			assert.Equal(t, tc.timing, config.Timing, "expected timing to match")
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestNewConfig_MongoDefaultDatabase(t *testing.T) {
	config, err := NewConfig("localhost:8080", "c29tZV9zZWNyZXQ=", nil,
		StoreConfig{Driver: StoreMongo, DSN: "mongodb://localhost:27017"},
		TransportConfig{Driver: TransportMemory},
		Timing{},
	)
	require.NoError(t, err)
	assert.Equal(t, "classroom", config.Store.MongoDatabase)
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CLASSROOM_TEST_STRING", "value")
	t.Setenv("CLASSROOM_TEST_DURATION", "90s")
	t.Setenv("CLASSROOM_TEST_BAD_DURATION", "soon")
	t.Setenv("CLASSROOM_TEST_BOOL", "true")

	assert.Equal(t, "value", GetEnvOrDefault("CLASSROOM_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("CLASSROOM_TEST_UNSET", "fallback"))
	assert.Equal(t, 90*time.Second, GetEnvAsDurationOrDefault("CLASSROOM_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, GetEnvAsDurationOrDefault("CLASSROOM_TEST_BAD_DURATION", time.Second))
	assert.True(t, GetEnvAsBoolOrDefault("CLASSROOM_TEST_BOOL", false))
	assert.False(t, GetEnvAsBoolOrDefault("CLASSROOM_TEST_UNSET", false))
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CLASSROOM_TEST_FROM_FILE=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CLASSROOM_TEST_FROM_FILE") })

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("CLASSROOM_TEST_FROM_FILE"))

	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")), "expected a missing file to be ignored")
}
