package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wandererhq/connector/errs"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost:5432/connector"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base := Default()
	base.Database.URL = "postgres://localhost:5432/connector"

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"missing database url", func(s *Settings) { s.Database.URL = " " }},
		{"zero pool capacity", func(s *Settings) { s.Pool.Capacity = 0 }},
		{"zero acquire timeout", func(s *Settings) { s.Pool.AcquireTimeout = 0 }},
		{"zero workers", func(s *Settings) { s.Workers.Count = 0 }},
		{"no watches", func(s *Settings) { s.Listener.Watches = nil }},
		{"blank watch table", func(s *Settings) { s.Listener.Watches = []Watch{{Table: "", Channel: "c"}} }},
		{"zero backoff interval", func(s *Settings) { s.Listener.Backoff.InitialInterval = 0 }},
		{"multiplier below one", func(s *Settings) { s.Listener.Backoff.Multiplier = 0.5 }},
		{"zero router buffer", func(s *Settings) { s.Router.BufferSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base.clone()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
		})
	}
}

func TestParseWatchList(t *testing.T) {
	watches := parseWatchList("users:users_insert, orders , :skipped,")
	require.Equal(t, []Watch{
		{Table: "users", Channel: "users_insert"},
		{Table: "orders", Channel: "orders_insert"},
	}, watches)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.yaml")
	data := []byte(`
environment: dev
database:
  url: postgres://localhost:5432/connector
pool:
  capacity: 3
  acquireTimeout: 2s
listener:
  watches:
    - table: users
      channel: users_insert
  backoff:
    initialInterval: 100ms
    multiplier: 2.0
    maxInterval: 5s
    maxRetries: 4
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, 3, cfg.Pool.Capacity)
	require.Equal(t, 2*time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, 4, cfg.Listener.Backoff.MaxRetries)
	// Defaults survive for sections the file omits.
	require.Equal(t, ":3000", cfg.Server.Addr)
}

func TestLoadFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: ["), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	require.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}

func TestLoadOrEnvMissingFile(t *testing.T) {
	cfg, fromFile, err := LoadOrEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, Default().Pool.Capacity, cfg.Pool.Capacity)
}

func TestApplyOptions(t *testing.T) {
	cfg := Apply(Default(),
		WithDatabaseURL("postgres://db:5432/app"),
		WithPoolCapacity(7),
		WithAcquireTimeout(time.Second),
		WithWatches(Watch{Table: "orders", Channel: "orders_insert"}),
		WithServerAddr(":8080"),
	)
	require.Equal(t, "postgres://db:5432/app", cfg.Database.URL)
	require.Equal(t, 7, cfg.Pool.Capacity)
	require.Equal(t, time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, []Watch{{Table: "orders", Channel: "orders_insert"}}, cfg.Listener.Watches)
	require.Equal(t, ":8080", cfg.Server.Addr)
	// Base settings are not mutated.
	require.Equal(t, ":3000", Default().Server.Addr)
}

func TestChannels(t *testing.T) {
	ls := ListenerSettings{Watches: []Watch{
		{Table: "users", Channel: "users_insert"},
		{Table: "orders", Channel: "orders_insert"},
	}}
	require.Equal(t, []string{"users_insert", "orders_insert"}, ls.Channels())
}
