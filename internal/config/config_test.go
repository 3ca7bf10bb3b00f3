package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"OTPGW_DATA_DIR", "OTPGW_HTTP_PORT", "OTPGW_LOG_LEVEL",
		"OTPGW_LOG_FORMAT", "OTPGW_CHANNELS", "OTPGW_SHADOW_BAN_THRESHOLD",
		"OTPGW_OTP_TTL_MINUTES", "OTPGW_ALLOWED_COUNTRIES",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"otpgw"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.ShadowBanThreshold != defaultShadowBanThreshold {
		t.Errorf("ShadowBanThreshold = %d, want %d", cfg.ShadowBanThreshold, defaultShadowBanThreshold)
	}
	if cfg.SMSAPIURL != "" {
		t.Errorf("SMSAPIURL = %q, want empty", cfg.SMSAPIURL)
	}
	if cfg.ARIURL != "" {
		t.Errorf("ARIURL = %q, want empty", cfg.ARIURL)
	}
	if !cfg.FailoverEnabled {
		t.Error("FailoverEnabled = false, want true")
	}
	if got := cfg.OTPTTL(); got != 5*time.Minute {
		t.Errorf("OTPTTL() = %v, want 5m", got)
	}
	if got := cfg.HoneypotTTL(); got != 24*time.Hour {
		t.Errorf("HoneypotTTL() = %v, want 24h", got)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"otpgw"}
	t.Setenv("OTPGW_HTTP_PORT", "9090")
	t.Setenv("OTPGW_DATA_DIR", "/tmp/otpgw-test")
	t.Setenv("OTPGW_LOG_LEVEL", "debug")
	t.Setenv("OTPGW_CHANNELS", "sms,voice")
	t.Setenv("OTPGW_SHADOW_BAN_THRESHOLD", "70")
	t.Setenv("OTPGW_FAILOVER", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/otpgw-test" {
		t.Errorf("DataDir = %q, want /tmp/otpgw-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ShadowBanThreshold != 70 {
		t.Errorf("ShadowBanThreshold = %d, want 70", cfg.ShadowBanThreshold)
	}
	if cfg.FailoverEnabled {
		t.Error("FailoverEnabled = true, want false")
	}
	want := []string{"sms", "voice"}
	got := cfg.ChannelList()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ChannelList() = %v, want %v", got, want)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"otpgw", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("OTPGW_HTTP_PORT", "9090")
	t.Setenv("OTPGW_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"otpgw", "--http-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"otpgw", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateInvalidChannel(t *testing.T) {
	os.Args = []string{"otpgw", "--channels", "sms,email"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown channel, got nil")
	}
}

func TestValidateARIRequiresCredentials(t *testing.T) {
	os.Args = []string{"otpgw", "--ari-url", "http://127.0.0.1:8088/ari"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ari-url provided without ari-username")
	}
}

func TestValidateShadowBanThresholdRange(t *testing.T) {
	os.Args = []string{"otpgw", "--shadow-ban-threshold", "150"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for out-of-range shadow-ban-threshold")
	}
}

func TestAllowedCountryList(t *testing.T) {
	cfg := &Config{AllowedCountries: "us, gb ,DE"}
	got := cfg.AllowedCountryList()
	want := []string{"US", "GB", "DE"}
	if len(got) != len(want) {
		t.Fatalf("AllowedCountryList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AllowedCountryList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cfg = &Config{}
	if got := cfg.AllowedCountryList(); len(got) != 0 {
		t.Errorf("AllowedCountryList() on empty config = %v, want empty", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("expected generated secret to be stored back on the config")
	}

	cfg = &Config{JWTSecret: "zz"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("expected error for non-hex secret")
	}

	cfg = &Config{JWTSecret: "abcd"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
