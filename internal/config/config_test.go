package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborsync/harborsync/internal/app/domain/terminal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, 3, cfg.Fetch.Retries)
	require.Equal(t, "@every 3h", cfg.Reconcile.Schedule)
	require.True(t, cfg.Reconcile.RunAtStartEnabled())

	terms := cfg.TerminalModels()
	require.Len(t, terms, 4)
	require.Equal(t, "t5", terms[0].Key)
	require.Equal(t, terminal.GroupTideworks, terms[0].Group)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
fetch:
  timeout: 2s
  retries: 1
reconcile:
  schedule: "@every 30m"
  run_at_start: false
terminals:
  - key: demo
    label: Demo Terminal
    group: tideworks
    base_url: https://demo.example.com/fc-DEMO
    env_login: DEMO_LOGIN
    env_password: DEMO_PASSWORD
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 2*time.Second, cfg.Fetch.Timeout)
	require.Equal(t, 1, cfg.Fetch.Retries)
	require.False(t, cfg.Reconcile.RunAtStartEnabled())

	terms := cfg.TerminalModels()
	require.Len(t, terms, 1)
	require.Equal(t, "demo", terms[0].Key)
	require.True(t, terms[0].Active)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HARBORSYNC_POSTGRES_DSN", "postgres://override")
	t.Setenv("HARBORSYNC_ADDR", ":7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://override", cfg.Postgres.DSN)
	require.Equal(t, ":7070", cfg.Server.Addr)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown group", `
terminals:
  - key: x
    group: ferry
    base_url: https://x.example.com
`},
		{"duplicate key", `
terminals:
  - key: x
    group: wut
    base_url: https://x.example.com
  - key: x
    group: wut
    base_url: https://y.example.com
`},
		{"missing base url", `
terminals:
  - key: x
    group: ets
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}
