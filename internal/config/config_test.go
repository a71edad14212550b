package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"AGENTCORE_DOCKER_SOCK", "AGENTCORE_IDLE_THRESHOLD", "AGENTCORE_SESSION_GRACE",
		"AGENTCORE_DB_PATH", "AGENTCORE_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DockerSock != "/var/run/docker.sock" {
		t.Errorf("DockerSock = %q, want /var/run/docker.sock", cfg.DockerSock)
	}
	if cfg.IdleThreshold() != 2*time.Hour {
		t.Errorf("IdleThreshold = %s, want 2h", cfg.IdleThreshold())
	}
	if cfg.SessionGrace() != 30*time.Minute {
		t.Errorf("SessionGrace = %s, want 30m", cfg.SessionGrace())
	}
	if cfg.DBPath != "/data/agentcore.db" {
		t.Errorf("DBPath = %q, want /data/agentcore.db", cfg.DBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGENTCORE_IDLE_THRESHOLD", "1h")
	t.Setenv("AGENTCORE_SESSION_GRACE", "10m")
	t.Setenv("AGENTCORE_LOG_JSON", "false")

	cfg := Load()
	if cfg.IdleThreshold() != time.Hour {
		t.Errorf("IdleThreshold = %s, want 1h", cfg.IdleThreshold())
	}
	if cfg.SessionGrace() != 10*time.Minute {
		t.Errorf("SessionGrace = %s, want 10m", cfg.SessionGrace())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero idle threshold", func(c *Config) { c.SetIdleThreshold(0) }, true},
		{"negative session grace", func(c *Config) { c.SetSessionGrace(-1) }, true},
		{"zero outbound bound", func(c *Config) { c.SetOutboundQueueBound(0) }, true},
		{"mismatched TLS cert/cacert", func(c *Config) { c.DockerTLSCACert = "ca.pem" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "AC_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("AC_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "AC_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "AC_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "AC_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
