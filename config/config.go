package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Auth      AuthConfig
	Browser   BrowserConfig
	Search    SearchConfig
	Sweep     SweepConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	Mail      MailConfig

	CatalogPath string
	LogPath     string
	DebugDir    string
}

type AuthConfig struct {
	Username         string
	Password         string
	TOTPSecret       string
	BaseURL          string
	StorageStatePath string
}

type BrowserConfig struct {
	Headless       bool
	SlowMoMS       int
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	UserDataDir    string // non-empty enables a persistent profile
}

type SearchConfig struct {
	DestinationKeys []string
	Nights          int
	Adults          int
	ProgramFilter   []string
	CheckIn         string // ISO date or relative form, used when no date range is set
	WarmupEnabled   bool

	// Manual destination used when no catalog keys are configured.
	LocationName string
	LocationID   string
	Latitude     float64
	Longitude    float64
}

type SweepConfig struct {
	Priority               string // "sweep-first" or "destination-first"
	DestinationPause       time.Duration
	ResumeCompleted        bool
	MaxConsecutiveFailures int
}

type StorageConfig struct {
	DBPath        string
	JournalMode   string
	Synchronous   string
	BusyTimeoutMS int
	PostgresURL   string // optional analytics mirror
}

type SchedulerConfig struct {
	Cron     string
	Interval time.Duration
}

type MailConfig struct {
	APIURL    string
	APIToken  string
	AccountID string
	Sender    string
}

const (
	PrioritySweepFirst       = "sweep-first"
	PriorityDestinationFirst = "destination-first"
)

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Auth: AuthConfig{
			Username:         os.Getenv("SWEEPER_USERNAME"),
			Password:         os.Getenv("SWEEPER_PASSWORD"),
			TOTPSecret:       os.Getenv("SWEEPER_TOTP_SECRET"),
			BaseURL:          getEnv("SWEEPER_BASE_URL", "https://www.americanexpress.com/en-us/travel/"),
			StorageStatePath: getEnv("SWEEPER_STORAGE_STATE_PATH", "data/storage_state.json"),
		},
		Browser: BrowserConfig{
			Headless:       getEnvBool("SWEEPER_HEADLESS", true),
			SlowMoMS:       getEnvInt("SWEEPER_SLOW_MO_MS", 0),
			ViewportWidth:  getEnvInt("SWEEPER_VIEWPORT_WIDTH", 1440),
			ViewportHeight: getEnvInt("SWEEPER_VIEWPORT_HEIGHT", 900),
			UserAgent:      os.Getenv("SWEEPER_USER_AGENT"),
			UserDataDir:    os.Getenv("SWEEPER_USER_DATA_DIR"),
		},
		Search: SearchConfig{
			DestinationKeys: splitList(os.Getenv("SWEEPER_DESTINATIONS")),
			Nights:          getEnvInt("SWEEPER_NIGHTS", 3),
			Adults:          getEnvInt("SWEEPER_ADULTS", 2),
			ProgramFilter:   splitList(os.Getenv("SWEEPER_PROGRAM_FILTER")),
			CheckIn:         os.Getenv("SWEEPER_CHECK_IN"),
			WarmupEnabled:   getEnvBool("SWEEPER_WARMUP_ENABLED", true),
			LocationName:    getEnv("SWEEPER_LOCATION_NAME", "Rome, Italy"),
			LocationID:      os.Getenv("SWEEPER_LOCATION_ID"),
			Latitude:        getEnvFloat("SWEEPER_LATITUDE", 41.9028),
			Longitude:       getEnvFloat("SWEEPER_LONGITUDE", 12.4964),
		},
		Sweep: SweepConfig{
			Priority:               getEnv("SWEEPER_SWEEP_PRIORITY", PrioritySweepFirst),
			DestinationPause:       time.Duration(getEnvInt("SWEEPER_DESTINATION_PAUSE_MS", 4000)) * time.Millisecond,
			ResumeCompleted:        getEnvBool("SWEEPER_RESUME_COMPLETED", true),
			MaxConsecutiveFailures: getEnvInt("SWEEPER_MAX_CONSECUTIVE_BACKEND_FAILURES", 3),
		},
		Storage: StorageConfig{
			DBPath:        getEnv("SWEEPER_DB_PATH", "data/sweeper.db"),
			JournalMode:   getEnv("SWEEPER_SQLITE_JOURNAL_MODE", "wal"),
			Synchronous:   getEnv("SWEEPER_SQLITE_SYNCHRONOUS", "normal"),
			BusyTimeoutMS: getEnvInt("SWEEPER_SQLITE_BUSY_TIMEOUT_MS", 5000),
			PostgresURL:   os.Getenv("SWEEPER_POSTGRES_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("SWEEPER_CRON"),
		},
		Mail: MailConfig{
			APIURL:    os.Getenv("SWEEPER_MAIL_API_URL"),
			APIToken:  os.Getenv("SWEEPER_MAIL_API_TOKEN"),
			AccountID: os.Getenv("SWEEPER_MAIL_ACCOUNT_ID"),
			Sender:    getEnv("SWEEPER_MAIL_OTP_SENDER", "DoNotReply@welcome.americanexpress.com"),
		},
		CatalogPath: getEnv("SWEEPER_CATALOG_PATH", "config/destinations.json"),
		LogPath:     getEnv("SWEEPER_LOG_PATH", "sweeper.log"),
		DebugDir:    getEnv("SWEEPER_DEBUG_DIR", "data/logs/login_debug"),
	}

	if interval := os.Getenv("SWEEPER_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEPER_INTERVAL %q: %w", interval, err)
		}
		cfg.Scheduler.Interval = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Sweep.Priority {
	case PrioritySweepFirst, PriorityDestinationFirst:
	default:
		return fmt.Errorf("unsupported sweep priority %q (expected %q or %q)",
			c.Sweep.Priority, PrioritySweepFirst, PriorityDestinationFirst)
	}
	if c.Sweep.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max consecutive backend failures must be at least 1, got %d", c.Sweep.MaxConsecutiveFailures)
	}
	if c.Search.Nights < 1 {
		return fmt.Errorf("nights must be at least 1, got %d", c.Search.Nights)
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}
