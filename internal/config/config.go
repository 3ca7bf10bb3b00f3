package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is the release version reported by /health and stamped into
// the User-Agent of outbound webhooks.
const Version = "1.2.0"

// Config holds all runtime configuration for the OTP gateway.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// SMS provider gateway. An empty SMSAPIURL disables the SMS channel.
	SMSAPIURL      string
	SMSAPIUsername string
	SMSAPIPassword string
	SMSTemplate    string // message body, {code} is replaced with the OTP

	// Asterisk control planes. An empty ARIURL disables the voice
	// channel; an empty AMIUsername disables the failure listener.
	ARIURL         string
	ARIUsername    string
	ARIPassword    string
	ARIApplication string // Stasis application name
	VoiceTrunk     string // PJSIP endpoint calls are originated through
	AMIAddr        string
	AMIUsername    string
	AMIPassword    string

	// Text-to-speech for voice calls.
	TTSRegion     string // AWS region, empty uses the SDK default chain
	TTSVoice      string
	VoiceTemplate string // spoken announcement, {code} is replaced with the OTP
	SoundsDir     string // directory Asterisk reads synthesized prompts from
	DigitPauseMS  int    // gap between digits in the digit-by-digit fallback

	// MaxMind database paths. Missing files degrade the geo rules to
	// no-ops instead of failing startup.
	GeoIPCountryDB string
	GeoIPASNDB     string

	// Fraud scoring.
	SubnetPerMinute    int
	SubnetPerHour      int
	PhonePerHour       int
	ShadowBanThreshold int
	GeoMismatchScore   int
	AllowedCountries   string // comma-separated ISO codes, empty allows all
	BreakerThreshold   int
	HoneypotTTLHours   int

	// Dispatch behaviour.
	OTPTTLMinutes   int
	DefaultChannels string // comma-separated channel order when the caller does not choose
	FailoverEnabled bool

	// Billing CDR ingestion: only records whose trunk name carries this
	// ID are attributed to the gateway. Empty accepts all records.
	CDRTrunkID string

	// Admin API.
	JWTSecret     string // hex-encoded 32-byte secret for admin JWT signing
	AdminUsername string
	AdminPassword string // bootstrap password, empty skips bootstrap
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultSMSTemplate   = "Your verification code is {code}"
	defaultARIApp        = "otpgw"
	defaultVoiceTrunk    = "otp-trunk"
	defaultAMIAddr       = "127.0.0.1:5038"
	defaultTTSVoice      = "Joanna"
	defaultVoiceTemplate = "Your verification code is {code}. I repeat, {code}."
	defaultSoundsDir     = "/var/lib/asterisk/sounds/otp"
	defaultDigitPauseMS  = 500

	defaultSubnetPerMinute    = 3
	defaultSubnetPerHour      = 10
	defaultPhonePerHour       = 5
	defaultShadowBanThreshold = 50
	defaultGeoMismatchScore   = 30
	defaultBreakerThreshold   = 5
	defaultHoneypotTTLHours   = 24

	defaultOTPTTLMinutes = 5
	defaultChannels      = "sms"
	defaultAdminUsername = "admin"
)

// envPrefix is the prefix for all gateway environment variables.
const envPrefix = "OTPGW_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("otpgw", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.SMSAPIURL, "sms-api-url", "", "SMS provider dispatch endpoint (empty disables the SMS channel)")
	fs.StringVar(&cfg.SMSAPIUsername, "sms-api-username", "", "SMS provider basic auth username")
	fs.StringVar(&cfg.SMSAPIPassword, "sms-api-password", "", "SMS provider basic auth password")
	fs.StringVar(&cfg.SMSTemplate, "sms-template", defaultSMSTemplate, "SMS body template, {code} is replaced with the OTP")

	fs.StringVar(&cfg.ARIURL, "ari-url", "", "Asterisk ARI base URL, e.g. http://127.0.0.1:8088/ari (empty disables voice)")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApplication, "ari-app", defaultARIApp, "ARI Stasis application name")
	fs.StringVar(&cfg.VoiceTrunk, "voice-trunk", defaultVoiceTrunk, "PJSIP endpoint used to originate outbound calls")
	fs.StringVar(&cfg.AMIAddr, "ami-addr", defaultAMIAddr, "Asterisk AMI listen address")
	fs.StringVar(&cfg.AMIUsername, "ami-username", "", "AMI username (empty disables the failure listener)")
	fs.StringVar(&cfg.AMIPassword, "ami-password", "", "AMI password")

	fs.StringVar(&cfg.TTSRegion, "tts-region", "", "AWS region for speech synthesis (empty uses the SDK default chain)")
	fs.StringVar(&cfg.TTSVoice, "tts-voice", defaultTTSVoice, "TTS voice ID")
	fs.StringVar(&cfg.VoiceTemplate, "voice-template", defaultVoiceTemplate, "spoken announcement template, {code} is replaced with the OTP")
	fs.StringVar(&cfg.SoundsDir, "sounds-dir", defaultSoundsDir, "directory Asterisk reads synthesized prompts from")
	fs.IntVar(&cfg.DigitPauseMS, "digit-pause-ms", defaultDigitPauseMS, "pause in milliseconds between digits in the spoken fallback")

	fs.StringVar(&cfg.GeoIPCountryDB, "geoip-country-db", "", "path to the MaxMind country database")
	fs.StringVar(&cfg.GeoIPASNDB, "geoip-asn-db", "", "path to the MaxMind ASN database")

	fs.IntVar(&cfg.SubnetPerMinute, "rate-subnet-minute", defaultSubnetPerMinute, "allowed requests per subnet per minute")
	fs.IntVar(&cfg.SubnetPerHour, "rate-subnet-hour", defaultSubnetPerHour, "allowed requests per subnet per hour")
	fs.IntVar(&cfg.PhonePerHour, "rate-phone-hour", defaultPhonePerHour, "allowed requests per phone number per hour")
	fs.IntVar(&cfg.ShadowBanThreshold, "shadow-ban-threshold", defaultShadowBanThreshold, "fraud score at which a request is shadow banned")
	fs.IntVar(&cfg.GeoMismatchScore, "geo-mismatch-score", defaultGeoMismatchScore, "score added when IP and phone countries differ")
	fs.StringVar(&cfg.AllowedCountries, "allowed-countries", "", "comma-separated ISO country allowlist for phone numbers (empty allows all)")
	fs.IntVar(&cfg.BreakerThreshold, "breaker-threshold", defaultBreakerThreshold, "failure count at which a circuit breaker opens")
	fs.IntVar(&cfg.HoneypotTTLHours, "honeypot-ttl-hours", defaultHoneypotTTLHours, "hours an auto-banned subnet stays in the honeypot")

	fs.IntVar(&cfg.OTPTTLMinutes, "otp-ttl-minutes", defaultOTPTTLMinutes, "minutes before an unverified request expires")
	fs.StringVar(&cfg.DefaultChannels, "channels", defaultChannels, "comma-separated default channel order (sms, voice)")
	fs.BoolVar(&cfg.FailoverEnabled, "failover", true, "try the next requested channel when dispatch fails immediately")

	fs.StringVar(&cfg.CDRTrunkID, "cdr-trunk-id", "", "trunk ID used to attribute billing CDRs (empty accepts all)")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.AdminUsername, "admin-username", defaultAdminUsername, "bootstrap admin username")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "bootstrap admin password (empty skips bootstrap)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
		"sms-api-url":          envPrefix + "SMS_API_URL",
		"sms-api-username":     envPrefix + "SMS_API_USERNAME",
		"sms-api-password":     envPrefix + "SMS_API_PASSWORD",
		"sms-template":         envPrefix + "SMS_TEMPLATE",
		"ari-url":              envPrefix + "ARI_URL",
		"ari-username":         envPrefix + "ARI_USERNAME",
		"ari-password":         envPrefix + "ARI_PASSWORD",
		"ari-app":              envPrefix + "ARI_APP",
		"voice-trunk":          envPrefix + "VOICE_TRUNK",
		"ami-addr":             envPrefix + "AMI_ADDR",
		"ami-username":         envPrefix + "AMI_USERNAME",
		"ami-password":         envPrefix + "AMI_PASSWORD",
		"tts-region":           envPrefix + "TTS_REGION",
		"tts-voice":            envPrefix + "TTS_VOICE",
		"voice-template":       envPrefix + "VOICE_TEMPLATE",
		"sounds-dir":           envPrefix + "SOUNDS_DIR",
		"digit-pause-ms":       envPrefix + "DIGIT_PAUSE_MS",
		"geoip-country-db":     envPrefix + "GEOIP_COUNTRY_DB",
		"geoip-asn-db":         envPrefix + "GEOIP_ASN_DB",
		"rate-subnet-minute":   envPrefix + "RATE_SUBNET_MINUTE",
		"rate-subnet-hour":     envPrefix + "RATE_SUBNET_HOUR",
		"rate-phone-hour":      envPrefix + "RATE_PHONE_HOUR",
		"shadow-ban-threshold": envPrefix + "SHADOW_BAN_THRESHOLD",
		"geo-mismatch-score":   envPrefix + "GEO_MISMATCH_SCORE",
		"allowed-countries":    envPrefix + "ALLOWED_COUNTRIES",
		"breaker-threshold":    envPrefix + "BREAKER_THRESHOLD",
		"honeypot-ttl-hours":   envPrefix + "HONEYPOT_TTL_HOURS",
		"otp-ttl-minutes":      envPrefix + "OTP_TTL_MINUTES",
		"channels":             envPrefix + "CHANNELS",
		"failover":             envPrefix + "FAILOVER",
		"cdr-trunk-id":         envPrefix + "CDR_TRUNK_ID",
		"jwt-secret":           envPrefix + "JWT_SECRET",
		"admin-username":       envPrefix + "ADMIN_USERNAME",
		"admin-password":       envPrefix + "ADMIN_PASSWORD",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sms-api-url":
			cfg.SMSAPIURL = val
		case "sms-api-username":
			cfg.SMSAPIUsername = val
		case "sms-api-password":
			cfg.SMSAPIPassword = val
		case "sms-template":
			cfg.SMSTemplate = val
		case "ari-url":
			cfg.ARIURL = val
		case "ari-username":
			cfg.ARIUsername = val
		case "ari-password":
			cfg.ARIPassword = val
		case "ari-app":
			cfg.ARIApplication = val
		case "voice-trunk":
			cfg.VoiceTrunk = val
		case "ami-addr":
			cfg.AMIAddr = val
		case "ami-username":
			cfg.AMIUsername = val
		case "ami-password":
			cfg.AMIPassword = val
		case "tts-region":
			cfg.TTSRegion = val
		case "tts-voice":
			cfg.TTSVoice = val
		case "voice-template":
			cfg.VoiceTemplate = val
		case "sounds-dir":
			cfg.SoundsDir = val
		case "digit-pause-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DigitPauseMS = v
			}
		case "geoip-country-db":
			cfg.GeoIPCountryDB = val
		case "geoip-asn-db":
			cfg.GeoIPASNDB = val
		case "rate-subnet-minute":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SubnetPerMinute = v
			}
		case "rate-subnet-hour":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SubnetPerHour = v
			}
		case "rate-phone-hour":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PhonePerHour = v
			}
		case "shadow-ban-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ShadowBanThreshold = v
			}
		case "geo-mismatch-score":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.GeoMismatchScore = v
			}
		case "allowed-countries":
			cfg.AllowedCountries = val
		case "breaker-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.BreakerThreshold = v
			}
		case "honeypot-ttl-hours":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HoneypotTTLHours = v
			}
		case "otp-ttl-minutes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OTPTTLMinutes = v
			}
		case "channels":
			cfg.DefaultChannels = val
		case "failover":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.FailoverEnabled = v
			}
		case "cdr-trunk-id":
			cfg.CDRTrunkID = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "admin-username":
			cfg.AdminUsername = val
		case "admin-password":
			cfg.AdminPassword = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// ARI credentials must accompany an ARI URL.
	if c.ARIURL != "" && c.ARIUsername == "" {
		return fmt.Errorf("ari-url requires ari-username and ari-password")
	}
	if c.AMIUsername != "" && c.AMIPassword == "" {
		return fmt.Errorf("ami-username requires ami-password")
	}

	for _, p := range []struct {
		name  string
		value int
	}{
		{"rate-subnet-minute", c.SubnetPerMinute},
		{"rate-subnet-hour", c.SubnetPerHour},
		{"rate-phone-hour", c.PhonePerHour},
		{"breaker-threshold", c.BreakerThreshold},
		{"honeypot-ttl-hours", c.HoneypotTTLHours},
		{"otp-ttl-minutes", c.OTPTTLMinutes},
	} {
		if p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, p.value)
		}
	}

	if c.ShadowBanThreshold < 1 || c.ShadowBanThreshold > 100 {
		return fmt.Errorf("shadow-ban-threshold must be between 1 and 100, got %d", c.ShadowBanThreshold)
	}
	if c.GeoMismatchScore < 0 || c.GeoMismatchScore > 100 {
		return fmt.Errorf("geo-mismatch-score must be between 0 and 100, got %d", c.GeoMismatchScore)
	}
	if c.DigitPauseMS < 0 || c.DigitPauseMS > 5000 {
		return fmt.Errorf("digit-pause-ms must be between 0 and 5000, got %d", c.DigitPauseMS)
	}

	channels := c.ChannelList()
	if len(channels) == 0 {
		return fmt.Errorf("channels must name at least one channel")
	}
	for _, ch := range channels {
		if ch != "sms" && ch != "voice" {
			return fmt.Errorf("channels must contain only sms and voice, got %q", ch)
		}
	}

	if c.AdminPassword != "" && len(c.AdminPassword) < 8 {
		return fmt.Errorf("admin-password must be at least 8 characters")
	}

	return nil
}

// ChannelList returns the default channel order as a slice.
func (c *Config) ChannelList() []string {
	return splitCSV(c.DefaultChannels)
}

// AllowedCountryList returns the configured country allowlist as
// upper-cased ISO codes. Empty means every country is allowed.
func (c *Config) AllowedCountryList() []string {
	codes := splitCSV(c.AllowedCountries)
	for i, code := range codes {
		codes[i] = strings.ToUpper(code)
	}
	return codes
}

// OTPTTL returns how long a request stays verifiable.
func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMinutes) * time.Minute
}

// HoneypotTTL returns how long an auto-banned subnet stays trapped.
func (c *Config) HoneypotTTL() time.Duration {
	return time.Duration(c.HoneypotTTLHours) * time.Hour
}

// DigitPause returns the gap between digits in the spoken fallback.
func (c *Config) DigitPause() time.Duration {
	return time.Duration(c.DigitPauseMS) * time.Millisecond
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
