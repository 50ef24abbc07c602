package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration required by the api and dialer processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	OpenAI   OpenAIConfig
	Dialer   DialerConfig
	Watchdog WatchdogConfig
	Analysis AnalysisConfig

	// CampaignDefaultsFile optionally points at a YAML file of campaign settings.
	CampaignDefaultsFile string
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is the externally reachable origin the carrier calls back.
	PublicBaseURL string
	LogLevel      string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

type StoreConfig struct {
	Driver     string
	SQLitePath string
	MySQLDSN   string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. Without a host the dialer runs without a tick lease.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const (
	TransportWebhook = "webhook"
	TransportStream  = "stream"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// ValidateSignatures rejects carrier callbacks without a valid X-Twilio-Signature.
	ValidateSignatures bool
	// Transport selects gather/say webhooks or a bidirectional media stream.
	Transport string
	Record    bool
}

type OpenAIConfig struct {
	APIKey    string
	ChatModel string
	TTSModel  string
	TTSVoice  string
	STTModel  string
}

type DialerConfig struct {
	Enabled bool
	Tick    time.Duration
	LockTTL time.Duration
}

type WatchdogConfig struct {
	Schedule       string
	CallStaleAfter time.Duration
}

type AnalysisConfig struct {
	Poll time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	c.Store.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	c.Store.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	c.Store.MySQLDSN = strings.TrimSpace(os.Getenv("MYSQL_DSN"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = collectDuration(&parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = collectDuration(&parseErrs, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.ValidateSignatures = collectBool(&parseErrs, "TWILIO_VALIDATE_SIGNATURES", false)
	c.Twilio.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("VOICE_TRANSPORT")))
	c.Twilio.Record = collectBool(&parseErrs, "TWILIO_RECORD", false)

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.ChatModel = strings.TrimSpace(os.Getenv("OPENAI_CHAT_MODEL"))
	c.OpenAI.TTSModel = strings.TrimSpace(os.Getenv("OPENAI_TTS_MODEL"))
	c.OpenAI.TTSVoice = strings.TrimSpace(os.Getenv("OPENAI_TTS_VOICE"))
	c.OpenAI.STTModel = strings.TrimSpace(os.Getenv("OPENAI_STT_MODEL"))

	c.Dialer.Enabled = collectBool(&parseErrs, "DIALER_ENABLED", true)
	c.Dialer.Tick = collectDuration(&parseErrs, "DIALER_TICK")
	c.Dialer.LockTTL = collectDuration(&parseErrs, "DIALER_LOCK_TTL")

	c.Watchdog.Schedule = strings.TrimSpace(os.Getenv("WATCHDOG_SCHEDULE"))
	c.Watchdog.CallStaleAfter = collectDuration(&parseErrs, "CALL_STALE_AFTER")
	c.Analysis.Poll = collectDuration(&parseErrs, "ANALYSIS_POLL")

	c.CampaignDefaultsFile = strings.TrimSpace(os.Getenv("CAMPAIGN_DEFAULTS_FILE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills every optional setting left empty.
func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	if c.Store.Driver == DriverSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "outbound-voice.db"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Twilio.Transport == "" {
		c.Twilio.Transport = TransportWebhook
	}
	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.OpenAI.TTSModel == "" {
		c.OpenAI.TTSModel = "tts-1"
	}
	if c.OpenAI.TTSVoice == "" {
		c.OpenAI.TTSVoice = "alloy"
	}
	if c.OpenAI.STTModel == "" {
		c.OpenAI.STTModel = "whisper-1"
	}

	if c.Dialer.Tick <= 0 {
		c.Dialer.Tick = 5 * time.Second
	}
	if c.Dialer.LockTTL <= 0 {
		c.Dialer.LockTTL = 10 * time.Minute
	}
	if c.Watchdog.Schedule == "" {
		c.Watchdog.Schedule = "@every 5m"
	}
	if c.Watchdog.CallStaleAfter <= 0 {
		c.Watchdog.CallStaleAfter = 2 * time.Hour
	}
	if c.Analysis.Poll <= 0 {
		c.Analysis.Poll = 10 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	switch c.Store.Driver {
	case DriverPostgres:
		errs = append(errs, c.validatePostgres()...)
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverMySQL:
		if c.Store.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql driver"))
		} else if !strings.Contains(c.Store.MySQLDSN, "parseTime=true") {
			errs = append(errs, errors.New("MYSQL_DSN must set parseTime=true"))
		}
	case DriverMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, mysql, memory, got %q", c.Store.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID != "" && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required when TWILIO_ACCOUNT_SID is set"))
	}
	if c.Twilio.ValidateSignatures && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES needs TWILIO_AUTH_TOKEN"))
	}
	if c.IsProduction() && !c.Twilio.ValidateSignatures {
		errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURES must be true in production"))
	}
	if c.Twilio.Transport != TransportWebhook && c.Twilio.Transport != TransportStream {
		errs = append(errs, fmt.Errorf("VOICE_TRANSPORT must be webhook or stream, got %q", c.Twilio.Transport))
	}

	if c.Dialer.Tick < time.Second {
		errs = append(errs, fmt.Errorf("DIALER_TICK must be at least 1s, got %s", c.Dialer.Tick))
	}
	if c.Dialer.LockTTL < time.Minute {
		errs = append(errs, fmt.Errorf("DIALER_LOCK_TTL must be at least 1m, got %s", c.Dialer.LockTTL))
	}
	if _, err := cron.ParseStandard(c.Watchdog.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("WATCHDOG_SCHEDULE %q: %w", c.Watchdog.Schedule, err))
	}

	return joinErrors(errs)
}

func (c Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

// collectDuration returns 0 for an unset key so ApplyDefaults can fill it.
func collectDuration(errs *[]error, key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func collectBool(errs *[]error, key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be true or false, got %q", key, v))
		return def
	}
	return b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
