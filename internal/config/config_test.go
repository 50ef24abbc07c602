package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080, PublicBaseURL: "https://voice.example.com"},
		Store: StoreConfig{Driver: DriverPostgres},
		DB:    DBConfig{Host: "localhost", User: "postgres", Password: "x", Name: "voice"},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	c.ApplyDefaults()
	return c
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	c := validLocal()
	c.App.Env = "qa"
	c.Auth.JWTSecret = ""
	c.Twilio.Transport = "sip"
	err := c.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"APP_ENV", "JWT_SECRET", "VOICE_TRANSPORT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	c.Auth.JWTIssuer = "voice"
	c.Auth.JWTAudience = "voice-api"
	c.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "tok", ValidateSignatures: true, Transport: TransportWebhook}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.DB.SSLMode != "disable" || c.DB.Port != 5432 {
		t.Fatalf("db defaults = %+v", c.DB)
	}
	if c.Dialer.Tick != 5*time.Second || c.Dialer.LockTTL != 10*time.Minute {
		t.Fatalf("dialer defaults = %+v", c.Dialer)
	}
	if c.Watchdog.Schedule != "@every 5m" || c.Watchdog.CallStaleAfter != 2*time.Hour {
		t.Fatalf("watchdog defaults = %+v", c.Watchdog)
	}
	if c.Twilio.Transport != TransportWebhook || c.RedisAddr() != "" {
		t.Fatalf("transport = %q redis = %q", c.Twilio.Transport, c.RedisAddr())
	}
}

func TestValidate_StoreDrivers(t *testing.T) {
	tests := []struct {
		name    string
		store   StoreConfig
		env     string
		wantErr string
	}{
		{name: "sqlite ok", store: StoreConfig{Driver: DriverSQLite, SQLitePath: "x.db"}, env: "local"},
		{name: "mysql needs parseTime", store: StoreConfig{Driver: DriverMySQL, MySQLDSN: "u:p@tcp(h:3306)/db"}, env: "local", wantErr: "parseTime"},
		{name: "memory in production", store: StoreConfig{Driver: DriverMemory}, env: "production", wantErr: "memory"},
		{name: "unknown", store: StoreConfig{Driver: "oracle"}, env: "local", wantErr: "STORE_DRIVER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validLocal()
			c.App.Env = tt.env
			c.Store = tt.store
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_WatchdogSchedule(t *testing.T) {
	c := validLocal()
	c.Watchdog.Schedule = "every five minutes"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "WATCHDOG_SCHEDULE") {
		t.Fatalf("expected schedule error, got %v", err)
	}
	c.Watchdog.Schedule = "*/10 * * * *"
	if err := c.Validate(); err != nil {
		t.Fatalf("cron expression rejected: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("PUBLIC_BASE_URL", "https://voice.example.com/")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DIALER_TICK", "2s")
	t.Setenv("VOICE_TRANSPORT", "stream")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.App.PublicBaseURL != "https://voice.example.com" {
		t.Fatalf("base url = %q", c.App.PublicBaseURL)
	}
	if c.Dialer.Tick != 2*time.Second || !c.Dialer.Enabled || c.Twilio.Transport != TransportStream {
		t.Fatalf("config = %+v", c)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DIALER_LOCK_TTL", "ten minutes")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DIALER_LOCK_TTL") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoadCampaignDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	body := `defaults:
  timezone: America/New_York
  pacing:
    delay_seconds: 45
  business_hours:
    enabled: true
    start: "08:30"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadCampaignDefaults(path)
	if err != nil {
		t.Fatalf("LoadCampaignDefaults: %v", err)
	}
	if s.Timezone != "America/New_York" || s.Pacing.Seconds() != 45 {
		t.Fatalf("settings = %+v", s)
	}
	if !s.BusinessHours.Enabled || s.BusinessHours.Start != "08:30" || s.BusinessHours.End != "17:00" || len(s.BusinessHours.Days) != 5 {
		t.Fatalf("business hours = %+v", s.BusinessHours)
	}

	if _, err := ParseCampaignDefaults([]byte("defaults:\n  timezone: Mars/Olympus\n")); err == nil {
		t.Fatal("expected invalid timezone error")
	}
	if _, err := ParseCampaignDefaults([]byte("defaults:\n  pacingg: {}\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
	empty, err := LoadCampaignDefaults("")
	if err != nil || empty.Pacing.Seconds() != 30 {
		t.Fatalf("built-in defaults = %+v, %v", empty, err)
	}
}

func TestShippedCampaignDefaultsParse(t *testing.T) {
	s, err := LoadCampaignDefaults(filepath.Join("..", "..", "configs", "campaign-defaults.yaml"))
	if err != nil {
		t.Fatalf("LoadCampaignDefaults: %v", err)
	}
	if !s.BusinessHours.Enabled || s.BusinessHours.End != "18:00" {
		t.Fatalf("business hours = %+v", s.BusinessHours)
	}
}
