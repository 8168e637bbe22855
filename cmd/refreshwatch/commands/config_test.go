package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/refreshwatch/internal/app"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil, environ())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Refresh.URL != app.DefaultConfigRefreshURL {
		t.Errorf("refresh URL = %q", cfg.Refresh.URL)
	}
	if cfg.Refresh.TriggerStatus != 406 {
		t.Errorf("trigger status = %d", cfg.Refresh.TriggerStatus)
	}
	if cfg.Server.Port != app.DefaultConfigServerPort {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refreshwatch.toml")
	content := `
log_level = "debug"

[refresh]
url = "http://file.example:8080/refresh"
trigger_status = 419
timeout = "10s"

[server]
port = 5000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path, nil, environ(
		"REFRESHWATCH_REFRESH__URL=http://env.example:8080/refresh",
		"REFRESHWATCH_REFRESH__DISPATCH=sync",
		"REFRESHWATCH_REFRESH__OAUTH__SCOPES=sessions, profile",
		"UNRELATED=1",
	))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
	if cfg.Refresh.URL != "http://env.example:8080/refresh" {
		t.Errorf("env should override file, got %q", cfg.Refresh.URL)
	}
	if cfg.Refresh.TriggerStatus != 419 {
		t.Errorf("trigger status = %d, want 419 from file", cfg.Refresh.TriggerStatus)
	}
	if cfg.Refresh.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Refresh.Timeout)
	}
	if cfg.Refresh.Dispatch != "sync" {
		t.Errorf("dispatch = %q", cfg.Refresh.Dispatch)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if got := cfg.Refresh.OAuth.Scopes; len(got) != 2 || got[0] != "sessions" || got[1] != "profile" {
		t.Errorf("scopes = %v", got)
	}
}

func TestLoadConfigSetFlagsOverrideEnv(t *testing.T) {
	var cfg *app.Config
	cmd := &cli.Command{
		Name: "refreshwatch",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "refresh--url", Value: app.DefaultConfigRefreshURL},
			&cli.StringFlag{Name: "refresh--dispatch", Value: app.DefaultConfigDispatch},
			&cli.StringFlag{Name: "method", Value: "GET"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			var err error
			cfg, err = loadConfig("", cmd, environ(
				"REFRESHWATCH_REFRESH__URL=http://env.example:8080/refresh",
				"REFRESHWATCH_REFRESH__DISPATCH=sync",
			))
			return err
		},
	}

	args := []string{"refreshwatch", "--refresh--url", "http://flag.example:8080/refresh", "--method", "POST"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cfg.Refresh.URL != "http://flag.example:8080/refresh" {
		t.Errorf("set flag should override env, got %q", cfg.Refresh.URL)
	}
	if cfg.Refresh.Dispatch != "sync" {
		t.Errorf("unset flag default replaced env value, dispatch = %q", cfg.Refresh.Dispatch)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env     string
		wantKey string
	}{
		{env: "REFRESHWATCH_LOG_LEVEL", wantKey: "log_level"},
		{env: "REFRESHWATCH_REFRESH__URL", wantKey: "refresh.url"},
		{env: "REFRESHWATCH_CREDENTIALS__ENV_KEY", wantKey: "credentials.env_key"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			key, value := envKey(tt.env, "x")
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if value != "x" {
				t.Errorf("value = %v", value)
			}
		})
	}

	if _, value := envKey("REFRESHWATCH_REFRESH__OAUTH__SCOPES", "a,b"); len(value.([]string)) != 2 {
		t.Errorf("scopes value = %v", value)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  []string
	}{
		{name: "dispatch", env: []string{"REFRESHWATCH_REFRESH__DISPATCH=later"}},
		{name: "storage", env: []string{"REFRESHWATCH_CREDENTIALS__STORAGE=floppy"}},
		{name: "oauth without storage", env: []string{
			"REFRESHWATCH_REFRESH__METHOD=oauth",
			"REFRESHWATCH_REFRESH__OAUTH__TOKEN_URL=https://auth.example.com/token",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig("", nil, environ(tt.env...)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"), nil, environ()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList = %v", got)
	}
}
