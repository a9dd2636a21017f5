package config

import (
	"strings"
	"time"

	"opmsync/internal/models"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	GeneralVersion string `mapstructure:"GENERAL_VERSION"`
	Environment    string `mapstructure:"ENVIRONMENT"`

	HFToken          string `mapstructure:"HF_TOKEN"`
	HFOwner          string `mapstructure:"HF_OWNER"`
	HFEndpoint       string `mapstructure:"HF_ENDPOINT"`
	HFHTTPTimeoutSec int    `mapstructure:"HF_HTTP_TIMEOUT_SEC"`

	PortalURL                 string `mapstructure:"PORTAL_URL"`
	PortalStartDateSelector   string `mapstructure:"PORTAL_START_DATE_SELECTOR"`
	PortalEndDateSelector     string `mapstructure:"PORTAL_END_DATE_SELECTOR"`
	PortalDataSourceSelector  string `mapstructure:"PORTAL_DATA_SOURCE_SELECTOR"`
	PortalCardSelector        string `mapstructure:"PORTAL_CARD_SELECTOR"`
	PortalCSVOptionSelector   string `mapstructure:"PORTAL_CSV_OPTION_SELECTOR"`
	BrowserHeadless           bool   `mapstructure:"BROWSER_HEADLESS"`
	BrowserExecPath           string `mapstructure:"BROWSER_EXEC_PATH"`
	RenderTimeoutSec          int    `mapstructure:"RENDER_TIMEOUT_SEC"`
	OptionTimeoutSec          int    `mapstructure:"OPTION_TIMEOUT_SEC"`
	TriggerTimeoutSec         int    `mapstructure:"TRIGGER_TIMEOUT_SEC"`
	DownloadBaseTimeoutSec    int    `mapstructure:"DOWNLOAD_BASE_TIMEOUT_SEC"`
	DownloadPerMBTimeoutSec   int    `mapstructure:"DOWNLOAD_PER_MB_TIMEOUT_SEC"`
	JobMaxAttempts            int    `mapstructure:"JOB_MAX_ATTEMPTS"`
	MaxConsecutiveUIFailures  int    `mapstructure:"MAX_CONSECUTIVE_UI_FAILURES"`
	ConverterBatchRows        int    `mapstructure:"CONVERTER_BATCH_ROWS"`

	RawDir      string `mapstructure:"RAW_DIR"`
	ColumnarDir string `mapstructure:"COLUMNAR_DIR"`

	StartMonth string `mapstructure:"START_MONTH"`
	EndMonth   string `mapstructure:"END_MONTH"`
	DataTypes  string `mapstructure:"DATA_TYPES"`

	DatabaseHost         string `mapstructure:"DB_HOST"`
	DatabasePort         int    `mapstructure:"DB_PORT"`
	DatabaseName         string `mapstructure:"DB_NAME"`
	DatabaseUser         string `mapstructure:"DB_USER"`
	DatabasePassword     string `mapstructure:"DB_PASSWORD"`
	DatabaseCacheAddress string `mapstructure:"DB_CACHE_ADDRESS"`
	DatabaseCachePort    int    `mapstructure:"DB_CACHE_PORT"`

	ServerPort     int    `mapstructure:"SERVER_PORT"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	ScheduleDay    int    `mapstructure:"SCHEDULE_DAY"`
}

var envVars = []string{
	"GENERAL_VERSION", "ENVIRONMENT",
	"HF_TOKEN", "HF_OWNER", "HF_ENDPOINT", "HF_HTTP_TIMEOUT_SEC",
	"PORTAL_URL", "PORTAL_START_DATE_SELECTOR", "PORTAL_END_DATE_SELECTOR",
	"PORTAL_DATA_SOURCE_SELECTOR", "PORTAL_CARD_SELECTOR", "PORTAL_CSV_OPTION_SELECTOR",
	"BROWSER_HEADLESS", "BROWSER_EXEC_PATH",
	"RENDER_TIMEOUT_SEC", "OPTION_TIMEOUT_SEC", "TRIGGER_TIMEOUT_SEC",
	"DOWNLOAD_BASE_TIMEOUT_SEC", "DOWNLOAD_PER_MB_TIMEOUT_SEC",
	"JOB_MAX_ATTEMPTS", "MAX_CONSECUTIVE_UI_FAILURES", "CONVERTER_BATCH_ROWS",
	"RAW_DIR", "COLUMNAR_DIR",
	"START_MONTH", "END_MONTH", "DATA_TYPES",
	"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD",
	"DB_CACHE_ADDRESS", "DB_CACHE_PORT",
	"SERVER_PORT", "ADMIN_JWT_SECRET", "SCHEDULE_DAY",
}

// Flag names bound onto config keys when a flag set is supplied.
var flagBindings = map[string]string{
	"start": "START_MONTH",
	"end":   "END_MONTH",
	"types": "DATA_TYPES",
	"port":  "SERVER_PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GENERAL_VERSION", "0.1.0")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("HF_ENDPOINT", "https://huggingface.co")
	v.SetDefault("HF_HTTP_TIMEOUT_SEC", 600)
	v.SetDefault("PORTAL_URL", "https://data.opm.gov/explore-data/data/data-downloads")
	v.SetDefault("BROWSER_HEADLESS", true)
	v.SetDefault("RENDER_TIMEOUT_SEC", 60)
	v.SetDefault("OPTION_TIMEOUT_SEC", 30)
	v.SetDefault("TRIGGER_TIMEOUT_SEC", 60)
	v.SetDefault("DOWNLOAD_BASE_TIMEOUT_SEC", 120)
	v.SetDefault("DOWNLOAD_PER_MB_TIMEOUT_SEC", 3)
	v.SetDefault("JOB_MAX_ATTEMPTS", 3)
	v.SetDefault("MAX_CONSECUTIVE_UI_FAILURES", 3)
	v.SetDefault("CONVERTER_BATCH_ROWS", 65536)
	v.SetDefault("RAW_DIR", "data/downloads")
	v.SetDefault("COLUMNAR_DIR", "data/parquet")
	v.SetDefault("START_MONTH", "2021-01")
	v.SetDefault("DATA_TYPES", "accessions,separations,employment")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("SERVER_PORT", 8288)
	v.SetDefault("SCHEDULE_DAY", 15)
}

// New loads configuration from the environment, falling back to .env files,
// with any supplied command line flags taking precedence.
func New(flags *pflag.FlagSet) (Config, error) {
	log := logger.New("config").Function("New")
	log.Info("Initializing config")

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	for _, env := range envVars {
		if err := v.BindEnv(env); err != nil {
			log.Warn("Failed to bind environment variable", "env", env, "error", err)
		}
	}

	if flags != nil {
		for flagName, key := range flagBindings {
			flag := flags.Lookup(flagName)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				log.Warn("Failed to bind flag", "flag", flagName, "error", err)
			}
		}
	}

	if v.IsSet("HF_TOKEN") && v.GetString("HF_TOKEN") != "" {
		log.Info("Environment variables detected, skipping file loading")
	} else {
		log.Info("Credential not found in environment, attempting to load from files")

		v.SetConfigFile(".env")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			log.Warn("Could not find .env file", "error", err)
		} else {
			log.Info("Loaded .env file")
		}

		v.SetConfigFile(".env.local")
		if err := v.MergeInConfig(); err != nil {
			log.Debug("No .env.local file found", "error", err)
		} else {
			log.Info("Loaded .env.local overrides")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, log.Err(
			"Fatal error: could not unmarshal config",
			types.KindError(types.ErrConfiguration, "unmarshal config: %v", err),
		)
	}

	if config.EndMonth == "" {
		config.EndMonth = models.MonthKeyFromTime(time.Now().UTC()).AddMonths(-1).String()
	}

	if err := config.Validate(); err != nil {
		return Config{}, log.Err("Fatal error: invalid configuration", err)
	}

	log.Info("Successfully initialized config",
		"environment", config.Environment,
		"owner", config.HFOwner,
		"start", config.StartMonth,
		"end", config.EndMonth,
		"dataTypes", config.DataTypes)

	return config, nil
}

// Validate checks every precondition that must hold before any job runs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HFToken) == "" {
		return types.KindError(types.ErrConfiguration, "HF_TOKEN is required")
	}

	if _, _, _, err := c.RunWindow(); err != nil {
		return err
	}

	positives := map[string]int{
		"HF_HTTP_TIMEOUT_SEC":         c.HFHTTPTimeoutSec,
		"RENDER_TIMEOUT_SEC":          c.RenderTimeoutSec,
		"OPTION_TIMEOUT_SEC":          c.OptionTimeoutSec,
		"TRIGGER_TIMEOUT_SEC":         c.TriggerTimeoutSec,
		"DOWNLOAD_BASE_TIMEOUT_SEC":   c.DownloadBaseTimeoutSec,
		"DOWNLOAD_PER_MB_TIMEOUT_SEC": c.DownloadPerMBTimeoutSec,
		"JOB_MAX_ATTEMPTS":            c.JobMaxAttempts,
		"MAX_CONSECUTIVE_UI_FAILURES": c.MaxConsecutiveUIFailures,
		"CONVERTER_BATCH_ROWS":        c.ConverterBatchRows,
	}
	for key, value := range positives {
		if value <= 0 {
			return types.KindError(types.ErrConfiguration, "%s must be positive, got %d", key, value)
		}
	}

	if c.RawDir == "" || c.ColumnarDir == "" {
		return types.KindError(types.ErrConfiguration, "RAW_DIR and COLUMNAR_DIR are required")
	}
	if c.RawDir == c.ColumnarDir {
		return types.KindError(types.ErrConfiguration, "RAW_DIR and COLUMNAR_DIR must differ")
	}

	if c.ScheduleDay < 1 || c.ScheduleDay > 28 {
		return types.KindError(
			types.ErrConfiguration,
			"SCHEDULE_DAY must be between 1 and 28, got %d",
			c.ScheduleDay,
		)
	}

	return nil
}

// RunWindow parses the configured month window and data types. A start after
// the end is allowed and yields an empty plan.
func (c Config) RunWindow() (models.MonthKey, models.MonthKey, []models.DataType, error) {
	start, err := models.ParseMonthKey(c.StartMonth)
	if err != nil {
		return models.MonthKey{}, models.MonthKey{}, nil, err
	}

	end, err := models.ParseMonthKey(c.EndMonth)
	if err != nil {
		return models.MonthKey{}, models.MonthKey{}, nil, err
	}

	dataTypes, err := models.ParseDataTypes([]string{c.DataTypes})
	if err != nil {
		return models.MonthKey{}, models.MonthKey{}, nil, err
	}

	return start, end, dataTypes, nil
}

func (c Config) HistoryEnabled() bool {
	return c.DatabaseHost != ""
}

func (c Config) CacheEnabled() bool {
	return c.DatabaseCacheAddress != "" && c.DatabaseCachePort != 0
}

func (c Config) Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
