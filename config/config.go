package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment
// variables. Both daemons share one struct; each reads the fields it needs.
type Config struct {
	// Upstox provider
	AccessToken string // pre-issued token, optional; /api/connect can install one later
	TOTPSecret  string // auto-login credentials, all three required together
	ClientCode  string
	PIN         string

	// Contract selection
	InstrumentKey string
	FutureKey     string // empty skips the futures quote; "auto" resolves from the BOD dump
	Expiry        string // YYYY-MM-DD, empty until configured via /api/connect
	LotSize       float64
	BODMasterPath string // gzipped instrument master consulted when FutureKey is "auto"

	// oipulsed
	DBPath        string
	ListenAddr    string
	MetricsAddr   string
	Scheduler     bool // server-side minute scheduler
	LogFile       string
	LogLevel      string

	// oichart
	ChartListenAddr  string
	ChartMetricsAddr string
	APIBaseURL       string
	ChartLayoutPath  string
	ChartLogFile     string

	// Alerting (optional sinks)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from the environment with sensible defaults,
// sourcing a .env file first when one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	return &Config{
		AccessToken: getEnv("UPSTOX_ACCESS_TOKEN", ""),
		TOTPSecret:  getEnv("UPSTOX_TOTP_SECRET", ""),
		ClientCode:  getEnv("UPSTOX_CLIENT_CODE", ""),
		PIN:         getEnv("UPSTOX_PIN", ""),

		InstrumentKey: getEnv("OIPULSE_INSTRUMENT_KEY", "NSE_INDEX|Nifty 50"),
		FutureKey:     getEnv("OIPULSE_FUTURE_KEY", ""),
		Expiry:        getEnv("OIPULSE_EXPIRY", ""),
		LotSize:       getEnvFloat("OIPULSE_LOT_SIZE", 1),
		BODMasterPath: getEnv("OIPULSE_BOD_MASTER", "data/NSE.json.gz"),

		DBPath:      getEnv("OIPULSE_DB_PATH", "data/oipulse.db"),
		ListenAddr:  getEnv("OIPULSE_LISTEN_ADDR", ":8000"),
		MetricsAddr: getEnv("OIPULSE_METRICS_ADDR", ":9101"),
		Scheduler:   getEnvBool("OIPULSE_SCHEDULER", true),
		LogFile:     getEnv("OIPULSE_LOG_FILE", "data/oipulsed.log"),
		LogLevel:    getEnv("OIPULSE_LOG_LEVEL", "info"),

		ChartListenAddr:  getEnv("OICHART_LISTEN_ADDR", ":8001"),
		ChartMetricsAddr: getEnv("OICHART_METRICS_ADDR", ":9102"),
		APIBaseURL:       getEnv("OICHART_API_URL", "http://127.0.0.1:8000"),
		ChartLayoutPath:  getEnv("OICHART_LAYOUT", ""),
		ChartLogFile:     getEnv("OICHART_LOG_FILE", "data/oichart.log"),

		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// CanAutoLogin reports whether all three TOTP credentials are present.
func (c *Config) CanAutoLogin() bool {
	return c.TOTPSecret != "" && c.ClientCode != "" && c.PIN != ""
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid number for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}
