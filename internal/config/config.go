package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"vizmon/internal/models"
)

type Config struct {
	Addr             string
	DataDir          string
	DBPath           string
	SampleInterval   time.Duration
	FrameInterval    time.Duration
	CollectInterval  time.Duration
	HistorySize      int
	RetentionDays    int
	BudgetsFile      string
	InitialMode      models.Mode
	SatelliteCount   int
	VectorGrid       int
	FeedPollInterval time.Duration
	TelegramBotToken string
	TelegramChatID   string
	NotifyPerMinute  int
	Debug            bool
}

func Load() Config {
	dataDir := getenv("APP_DATA_DIR", "./data")
	initial, err := models.ParseMode(os.Getenv("APP_INITIAL_MODE"))
	if err != nil {
		initial = ""
	}
	return Config{
		Addr:             getenv("APP_ADDR", ":8080"),
		DataDir:          dataDir,
		DBPath:           getenv("APP_DB_PATH", dataDir+"/vizmon.db"),
		SampleInterval:   getenvDuration("APP_SAMPLE_INTERVAL", 2*time.Second),
		FrameInterval:    getenvDuration("APP_FRAME_INTERVAL", 16*time.Millisecond),
		CollectInterval:  getenvDuration("APP_COLLECT_INTERVAL", 10*time.Second),
		HistorySize:      getenvInt("APP_HISTORY_SIZE", 10),
		RetentionDays:    getenvInt("APP_RETENTION_DAYS", 14),
		BudgetsFile:      os.Getenv("APP_BUDGETS_FILE"),
		InitialMode:      initial,
		SatelliteCount:   getenvInt("APP_SATELLITE_COUNT", 21000),
		VectorGrid:       getenvInt("APP_VECTOR_GRID", 40),
		FeedPollInterval: getenvDuration("APP_FEED_POLL_INTERVAL", 30*time.Second),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		NotifyPerMinute:  getenvInt("APP_NOTIFY_PER_MINUTE", 20),
		Debug:            getenvBool("APP_DEBUG", false),
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}
