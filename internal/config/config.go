package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service. Database names
// the entry of Databases the ledger uses.
type Config struct {
	ServerAddress string                    `json:"server_address" yaml:"server_address"`
	Log           LogConfig                 `json:"log" yaml:"log"`
	Database      string                    `json:"database" yaml:"database"`
	Databases     map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis         RedisConfig               `json:"redis" yaml:"redis"`
	Scheduler     SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Storage       StorageConfig             `json:"storage" yaml:"storage"`
	Retry         RetryConfig               `json:"retry" yaml:"retry"`
	Timeouts      TimeoutConfig             `json:"timeouts" yaml:"timeouts"`
	Tools         ToolsConfig               `json:"tools" yaml:"tools"`
	Telegram      TelegramConfig            `json:"telegram" yaml:"telegram"`
	API           APIConfig                 `json:"api" yaml:"api"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// DatabaseConfig describes one ledger backend. Sqlite drivers use DSN, the
// network drivers build their DSN from the remaining fields unless DSN is set.
type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// SchedulerConfig bounds concurrency and backlog.
type SchedulerConfig struct {
	// GlobalConcurrency caps simultaneously running jobs across all chats.
	GlobalConcurrency int `json:"global_concurrency" yaml:"global_concurrency"`
	// PerChatConcurrency caps simultaneously running jobs of one chat.
	PerChatConcurrency int `json:"per_chat_concurrency" yaml:"per_chat_concurrency"`
	// PerChatBacklog is how many jobs a chat may have waiting beyond its running ones.
	PerChatBacklog int `json:"per_chat_backlog" yaml:"per_chat_backlog"`
	// GlobalBacklog is how many jobs may wait across all chats.
	GlobalBacklog     int      `json:"global_backlog" yaml:"global_backlog"`
	MinWorkers        int      `json:"min_workers" yaml:"min_workers"`
	WorkerIdleTimeout Duration `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
	// SubmitRate is the sustained number of submissions per minute a chat may make.
	SubmitRate  float64 `json:"submit_rate" yaml:"submit_rate"`
	SubmitBurst int     `json:"submit_burst" yaml:"submit_burst"`
}

type StorageConfig struct {
	WorkRoot      string   `json:"work_root" yaml:"work_root"`
	MinFreeBytes  uint64   `json:"min_free_bytes" yaml:"min_free_bytes"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// RetryConfig drives retries of transient retrieval failures.
type RetryConfig struct {
	Attempts  int      `json:"attempts" yaml:"attempts"`
	BaseDelay Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  Duration `json:"max_delay" yaml:"max_delay"`
	Factor    float64  `json:"factor" yaml:"factor"`
}

type TimeoutConfig struct {
	Retrieve  Duration `json:"retrieve" yaml:"retrieve"`
	Convert   Duration `json:"convert" yaml:"convert"`
	Split     Duration `json:"split" yaml:"split"`
	Upload    Duration `json:"upload" yaml:"upload"`
	KillGrace Duration `json:"kill_grace" yaml:"kill_grace"`
}

type ToolsConfig struct {
	YtDlp   string `json:"ytdlp" yaml:"ytdlp"`
	FFmpeg  string `json:"ffmpeg" yaml:"ffmpeg"`
	FFprobe string `json:"ffprobe" yaml:"ffprobe"`
}

type TelegramConfig struct {
	Token string `json:"token" yaml:"token"`
	// APIEndpoint is a format string with two %s verbs (token, method). Point it
	// at a local Bot API server to lift the upload limit to 2 GB.
	APIEndpoint    string   `json:"api_endpoint" yaml:"api_endpoint"`
	OperatorChatID int64    `json:"operator_chat_id" yaml:"operator_chat_id"`
	PollTimeout    Duration `json:"poll_timeout" yaml:"poll_timeout"`
}

type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	BootstrapToken string   `json:"bootstrap_token" yaml:"bootstrap_token"`
	TokenTTL       Duration `json:"token_ttl" yaml:"token_ttl"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		ServerAddress: ":8090",
		Log:           LogConfig{Level: "info", Format: "text"},
		Database:      "sqlite3",
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "mediabot.db"},
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Scheduler: SchedulerConfig{
			GlobalConcurrency:  4,
			PerChatConcurrency: 1,
			PerChatBacklog:     3,
			GlobalBacklog:      64,
			MinWorkers:         1,
			WorkerIdleTimeout:  Duration(30 * time.Second),
			SubmitRate:         10,
			SubmitBurst:        3,
		},
		Storage: StorageConfig{
			WorkRoot:      filepath.Join(os.TempDir(), "mediabot-work"),
			MinFreeBytes:  5 << 30,
			SweepInterval: Duration(10 * time.Minute),
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: Duration(2 * time.Second),
			MaxDelay:  Duration(30 * time.Second),
			Factor:    2,
		},
		Timeouts: TimeoutConfig{
			Retrieve:  Duration(30 * time.Minute),
			Convert:   Duration(30 * time.Minute),
			Split:     Duration(15 * time.Minute),
			Upload:    Duration(30 * time.Minute),
			KillGrace: Duration(5 * time.Second),
		},
		Tools: ToolsConfig{YtDlp: "yt-dlp", FFmpeg: "ffmpeg", FFprobe: "ffprobe"},
		Telegram: TelegramConfig{
			APIEndpoint: "https://api.telegram.org/bot%s/%s",
			PollTimeout: Duration(60 * time.Second),
		},
		API: APIConfig{Enabled: true, TokenTTL: Duration(24 * time.Hour)},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are YAML; anything else is JSON with comments allowed.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.GlobalConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.global_concurrency must be positive"))
	}
	if c.Scheduler.PerChatConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.per_chat_concurrency must be positive"))
	}
	if c.Scheduler.PerChatBacklog < 0 || c.Scheduler.GlobalBacklog < 0 {
		errs = append(errs, errors.New("scheduler backlogs must not be negative"))
	}
	if c.Retry.Attempts <= 0 {
		errs = append(errs, errors.New("retry.attempts must be positive"))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, errors.New("retry.factor must be at least 1"))
	}
	if c.Storage.WorkRoot == "" {
		errs = append(errs, errors.New("storage.work_root must be configured"))
	}
	if _, ok := c.Databases[c.Database]; !ok {
		errs = append(errs, fmt.Errorf("database %q has no entry under databases", c.Database))
	}
	for name, d := range map[string]Duration{
		"timeouts.retrieve":   c.Timeouts.Retrieve,
		"timeouts.convert":    c.Timeouts.Convert,
		"timeouts.split":      c.Timeouts.Split,
		"timeouts.upload":     c.Timeouts.Upload,
		"timeouts.kill_grace": c.Timeouts.KillGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	c.Database = getEnv("MEDIABOT_DB", c.Database)
	c.Telegram.Token = getEnv("MEDIABOT_TELEGRAM_TOKEN", c.Telegram.Token)
	c.API.BootstrapToken = getEnv("MEDIABOT_API_TOKEN", c.API.BootstrapToken)
	c.Storage.WorkRoot = getEnv("MEDIABOT_WORK_ROOT", c.Storage.WorkRoot)
	c.Scheduler.GlobalConcurrency = getEnvAsInt("MEDIABOT_GLOBAL_CONCURRENCY", c.Scheduler.GlobalConcurrency)
	c.Timeouts.KillGrace = Duration(getEnvAsDuration("MEDIABOT_KILL_GRACE", c.Timeouts.KillGrace.Std()))
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.Storage.WorkRoot) {
		c.Storage.WorkRoot = filepath.Join(base, c.Storage.WorkRoot)
	}
	for name, db := range c.Databases {
		if !strings.HasPrefix(name, "sqlite") || db.DSN == "" || db.DSN == ":memory:" {
			continue
		}
		if strings.HasPrefix(db.DSN, "file:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(base, db.DSN)
		c.Databases[name] = db
	}
}

// Duration is a time.Duration written as a Go duration string ("90s") or as
// an integer number of seconds.
type Duration time.Duration

// Std converts d to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", string(b))
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
