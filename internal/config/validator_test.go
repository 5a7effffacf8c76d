package config

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickOptions() ValidatorOptions {
	return ValidatorOptions{VerifyConnectivity: true, Timeout: 2 * time.Second}
}

func TestValidateStartupReachesEveryDependency(t *testing.T) {
	stats := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer stats.Close()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	defer ns.Shutdown()

	cfg := getValidConfig(t)
	cfg.API.BaseURL = stats.URL
	cfg.Redis = RedisConfig{Enabled: true, Host: mr.Host(), Port: port, KeyPrefix: "t"}
	cfg.NATS = NATSConfig{Enabled: true, URL: ns.ClientURL(), Prefix: "t."}

	v := NewValidator(cfg, quickOptions())
	assert.NoError(t, v.ValidateStartup(context.Background()))
}

func TestValidateStartupFailures(t *testing.T) {
	t.Run("stats service unreachable", func(t *testing.T) {
		stats := httptest.NewServer(http.NotFoundHandler())
		url := stats.URL
		stats.Close()

		cfg := getValidConfig(t)
		cfg.API.BaseURL = url

		err := NewValidator(cfg, quickOptions()).ValidateStartup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stats service connectivity check failed")
	})

	t.Run("redis unreachable", func(t *testing.T) {
		stats := httptest.NewServer(http.NotFoundHandler())
		defer stats.Close()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		cfg := getValidConfig(t)
		cfg.API.BaseURL = stats.URL
		cfg.Redis = RedisConfig{Enabled: true, Host: "127.0.0.1", Port: port, KeyPrefix: "t"}

		err = NewValidator(cfg, quickOptions()).ValidateStartup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis connectivity check failed")
	})

	t.Run("connectivity checks disabled", func(t *testing.T) {
		cfg := getValidConfig(t)
		cfg.API.BaseURL = "http://127.0.0.1:1"
		cfg.Redis.Enabled = true

		opts := quickOptions()
		opts.VerifyConnectivity = false
		assert.NoError(t, NewValidator(cfg, opts).ValidateStartup(context.Background()))
	})
}

func TestValidateProductionRequirements(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name:   "https and loopback control",
			modify: func(c *Config) { c.API.BaseURL = "https://stats.example.test" },
		},
		{
			name:        "plain http stats service",
			modify:      func(c *Config) { c.API.BaseURL = "http://stats.example.test" },
			expectError: "https",
		},
		{
			name: "control exposed without origins",
			modify: func(c *Config) {
				c.API.BaseURL = "https://stats.example.test"
				c.Control.Host = "0.0.0.0"
			},
			expectError: "all interfaces",
		},
		{
			name: "placeholder redis password",
			modify: func(c *Config) {
				c.API.BaseURL = "https://stats.example.test"
				c.Redis.Enabled = true
				c.Redis.Password = "changeme"
			},
			expectError: "placeholder",
		},
		{
			name: "placeholder telegram token",
			modify: func(c *Config) {
				c.API.BaseURL = "https://stats.example.test"
				c.Alerts = AlertsConfig{
					Enabled:  true,
					Telegram: TelegramConfig{Enabled: true, BotToken: "your_token_here", ChatIDs: []int64{1}},
				}
			},
			expectError: "Telegram bot token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig(t)
			cfg.App.Environment = "production"
			tt.modify(cfg)

			opts := quickOptions()
			opts.VerifyConnectivity = false
			err := NewValidator(cfg, opts).ValidateStartup(context.Background())
			if tt.expectError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestIsPlaceholderValue(t *testing.T) {
	assert.True(t, isPlaceholderValue("CHANGEME"))
	assert.True(t, isPlaceholderValue("your_password_here"))
	assert.False(t, isPlaceholderValue(""))
	assert.False(t, isPlaceholderValue("k9#Lq2!vR"))
}

func TestInitLogger(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	initLogger("warn", "json", &buf)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	optLog := NewLogger("optimizer")
	optLog.Info().Msg("hidden")
	chainLog := NewRunLogger("chain", "abc")
	chainLog.Warn().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"chain"`)
	assert.Contains(t, out, `"chain_id":"abc"`)
	assert.Contains(t, out, "visible")

	buf.Reset()
	initLogger("nonsense", "json", &buf)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
