package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks for the YAML file when none is given
const DefaultPath = "configs/vigil.yaml"

type Config struct {
	Camera     CameraConfig     `yaml:"camera"`
	Motion     MotionConfig     `yaml:"motion"`
	Recording  RecordingConfig  `yaml:"recording"`
	Server     ServerConfig     `yaml:"server"`
	Health     HealthConfig     `yaml:"health"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Log        LogConfig        `yaml:"log"`
}

type CameraConfig struct {
	Device      string `yaml:"device"`
	Source      string `yaml:"source"` // ffmpeg | test
	InputFormat string `yaml:"input_format"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Format      string `yaml:"format"`
	FPS         int    `yaml:"fps"`
	H264        bool   `yaml:"h264"`
}

type Rect struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

type MotionConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Threshold    float64 `yaml:"threshold"`
	MinArea      int     `yaml:"min_area"`
	LearningRate float64 `yaml:"learning_rate"`
	Exclusions   []Rect  `yaml:"exclusions"`
	Annotate     bool    `yaml:"annotate"`
}

type RecordingConfig struct {
	PreRollSeconds  int    `yaml:"pre_roll_seconds"`
	PostRollSeconds int    `yaml:"post_roll_seconds"`
	OutputDir       string `yaml:"output_dir"`
	Codec           string `yaml:"codec"` // h264 | mjpeg
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	RTSPPort int    `yaml:"rtsp_port"`
}

type HealthConfig struct {
	MaxFrameAge   time.Duration `yaml:"max_frame_age"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxFailures   int           `yaml:"max_failures"`
}

type SupervisorConfig struct {
	MaxRestarts  int           `yaml:"max_restarts"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BotToken string        `yaml:"bot_token"`
	ChatID   string        `yaml:"chat_id"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns the configuration used when no file or override is present
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Device: "/dev/video0",
			Source: "ffmpeg",
			Width:  1280,
			Height: 720,
			Format: "YUV420",
			FPS:    10,
			H264:   true,
		},
		Motion: MotionConfig{
			Enabled:      true,
			Threshold:    16,
			MinArea:      500,
			LearningRate: 0.01,
			Annotate:     true,
		},
		Recording: RecordingConfig{
			PreRollSeconds:  5,
			PostRollSeconds: 5,
			OutputDir:       "recordings",
			Codec:           "h264",
		},
		Server: ServerConfig{
			HTTPPort: 8000,
			RTSPPort: 8554,
		},
		Health: HealthConfig{
			MaxFrameAge:   10 * time.Second,
			CheckInterval: 5 * time.Second,
			MaxFailures:   3,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:  3,
			RestartDelay: 5 * time.Second,
		},
		Database: DatabaseConfig{Path: "data/events.db"},
		Auth: AuthConfig{
			Username: "admin",
			TokenTTL: 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			ClientID: "vigil",
			Topic:    "vigil/events",
		},
		Telegram: TelegramConfig{Cooldown: 30 * time.Second},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path, then .env and VIGIL_* overrides.
// A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("VIGIL_HOST", c.Server.Host)
	c.Server.HTTPPort = getEnvInt("VIGIL_HTTP_PORT", c.Server.HTTPPort)
	c.Server.RTSPPort = getEnvInt("VIGIL_RTSP_PORT", c.Server.RTSPPort)
	c.Recording.OutputDir = getEnv("VIGIL_OUTPUT_DIR", c.Recording.OutputDir)
	c.Database.Path = getEnv("VIGIL_DB_PATH", c.Database.Path)
	c.Camera.Device = getEnv("VIGIL_CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Source = getEnv("VIGIL_CAMERA_SOURCE", c.Camera.Source)
	c.Log.Level = getEnv("VIGIL_LOG_LEVEL", c.Log.Level)
	c.Auth.Password = getEnv("VIGIL_AUTH_PASSWORD", c.Auth.Password)
	c.Auth.JWTSecret = getEnv("VIGIL_JWT_SECRET", c.Auth.JWTSecret)
	if broker := os.Getenv("VIGIL_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
	c.Telegram.BotToken = getEnv("VIGIL_TELEGRAM_BOT_TOKEN", c.Telegram.BotToken)
	c.Telegram.ChatID = getEnv("VIGIL_TELEGRAM_CHAT_ID", c.Telegram.ChatID)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera fps: %d (must be positive)", c.Camera.FPS)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	switch c.Camera.Source {
	case "ffmpeg", "test":
	default:
		return fmt.Errorf("invalid camera source: %q (must be ffmpeg or test)", c.Camera.Source)
	}

	if c.Motion.LearningRate < 0 || c.Motion.LearningRate > 1 {
		return fmt.Errorf("invalid motion learning_rate: %v (must be within [0,1])", c.Motion.LearningRate)
	}
	if c.Motion.Threshold <= 0 {
		return fmt.Errorf("invalid motion threshold: %v (must be positive)", c.Motion.Threshold)
	}
	if c.Motion.MinArea < 0 {
		return fmt.Errorf("invalid motion min_area: %d (must be non-negative)", c.Motion.MinArea)
	}

	if c.Recording.PreRollSeconds < 0 || c.Recording.PostRollSeconds < 0 {
		return fmt.Errorf("invalid roll seconds: pre=%d post=%d (must be non-negative)",
			c.Recording.PreRollSeconds, c.Recording.PostRollSeconds)
	}
	switch c.Recording.Codec {
	case "h264", "mjpeg":
	default:
		return fmt.Errorf("invalid recording codec: %q (must be h264 or mjpeg)", c.Recording.Codec)
	}
	if c.Recording.OutputDir == "" {
		return errors.New("recording output_dir must be set")
	}

	for name, port := range map[string]int{"http_port": c.Server.HTTPPort, "rtsp_port": c.Server.RTSPPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d (must be between 1-65535)", name, port)
		}
	}

	if c.Health.MaxFailures <= 0 {
		return fmt.Errorf("invalid health max_failures: %d (must be positive)", c.Health.MaxFailures)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("invalid supervisor max_restarts: %d", c.Supervisor.MaxRestarts)
	}

	if c.Auth.Enabled && (c.Auth.Password == "" || c.Auth.JWTSecret == "") {
		return errors.New("auth enabled but password or jwt_secret is empty")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt enabled but broker is empty")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return errors.New("telegram enabled but bot_token or chat_id is empty")
	}
	if c.Telegram.Cooldown < 0 {
		return fmt.Errorf("invalid telegram cooldown: %v", c.Telegram.Cooldown)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	for _, level := range validLevels {
		if strings.ToLower(c.Log.Level) == level {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %v)", c.Log.Level, validLevels)
}

// SlogLevel returns slog.Level from config
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
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

// ClipExtension returns the container extension for recorded clips
func (c *Config) ClipExtension() string {
	if c.Recording.Codec == "mjpeg" {
		return "mjpeg"
	}
	return "mp4"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}
