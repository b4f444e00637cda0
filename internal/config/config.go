package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	MinIO    MinIOConfig    `yaml:"minio"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Vision   VisionConfig   `yaml:"vision"`
	Tracking TrackingConfig `yaml:"tracking"`
	Identity IdentityConfig `yaml:"identity"`
	Session  SessionConfig  `yaml:"session"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Cameras  []CameraConfig `yaml:"cameras"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig selects where identities and their images are persisted.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // file, sqlite, postgres
	Path      string `yaml:"path"`
	Images    string `yaml:"images"` // local, minio, none
	ImagesDir string `yaml:"images_dir"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SessionPrefix string `yaml:"session_prefix"`
	RenameSubject string `yaml:"rename_subject"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectorModel      string  `yaml:"detector_model"`
	EmbedderModel      string  `yaml:"embedder_model"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	EmbedderInputSize  int     `yaml:"embedder_input_size"`
	NormalizeEmbedding bool    `yaml:"normalize_embedding"`
	FrameWidth         int     `yaml:"frame_width"`
	DefaultFPS         int     `yaml:"default_fps"`
	MinFaceSize        int     `yaml:"min_face_size"`
	MinAspectRatio     float64 `yaml:"min_aspect_ratio"`
	MaxAspectRatio     float64 `yaml:"max_aspect_ratio"`
	CropPadding        int     `yaml:"crop_padding"`
}

type TrackingConfig struct {
	MaxAge       int           `yaml:"max_age"`
	MinHits      int           `yaml:"min_hits"`
	IoUThreshold float64       `yaml:"iou_threshold"`
	DisplayTTL   time.Duration `yaml:"display_ttl"`
}

const (
	EnrollmentImmediate = "immediate"
	EnrollmentWindowed  = "windowed"

	MatcherLinear = "linear"
	MatcherHNSW   = "hnsw"
)

type IdentityConfig struct {
	ConfidentThreshold float64       `yaml:"confident_threshold"`
	RejectThreshold    float64       `yaml:"reject_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	EmbedTimeout       time.Duration `yaml:"embed_timeout"`
	Matcher            string        `yaml:"matcher"`
	EnrollmentMode     string        `yaml:"enrollment_mode"`
	AnalysisWindow     time.Duration `yaml:"analysis_window"`
	MaxDeviation       float64       `yaml:"max_deviation"`
}

type SessionConfig struct {
	ID                string        `yaml:"id"`
	StabilityDuration time.Duration `yaml:"stability_duration"`
	NoFaceTimeout     time.Duration `yaml:"no_face_timeout"`
	AllowLockOverride *bool         `yaml:"allow_lock_override"`
	// AutoStart activates an idle session on the first observed face instead
	// of waiting for an explicit start.
	AutoStart         bool          `yaml:"auto_start"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	SinkBuffer        int           `yaml:"sink_buffer"`
}

// LockOverride reports whether a second stable candidate may replace an
// existing lock without a no-face gap.
func (s SessionConfig) LockOverride() bool {
	return s.AllowLockOverride == nil || *s.AllowLockOverride
}

// IngestConfig controls the ffmpeg frame sources and their restarts.
type IngestConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type CameraConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
	FPS int    `yaml:"fps"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Identity.ConfidentThreshold <= 0 || c.Identity.ConfidentThreshold >= c.Identity.RejectThreshold {
		errs = append(errs, fmt.Errorf("identity: confident_threshold (%v) must be positive and below reject_threshold (%v)",
			c.Identity.ConfidentThreshold, c.Identity.RejectThreshold))
	}
	switch c.Identity.EnrollmentMode {
	case EnrollmentImmediate, EnrollmentWindowed:
	default:
		errs = append(errs, fmt.Errorf("identity: unknown enrollment_mode %q", c.Identity.EnrollmentMode))
	}
	switch c.Identity.Matcher {
	case MatcherLinear, MatcherHNSW:
	default:
		errs = append(errs, fmt.Errorf("identity: unknown matcher %q", c.Identity.Matcher))
	}
	if c.Identity.Cooldown < 0 || c.Identity.AnalysisWindow <= 0 || c.Identity.MaxDeviation <= 0 {
		errs = append(errs, errors.New("identity: cooldown, analysis_window and max_deviation must be positive"))
	}
	if c.Session.StabilityDuration < 0 || c.Session.NoFaceTimeout <= 0 {
		errs = append(errs, errors.New("session: stability_duration and no_face_timeout must be positive"))
	}
	switch c.Store.Backend {
	case "file", "sqlite":
	case "postgres":
		if !c.Database.Enabled() {
			errs = append(errs, errors.New("store: postgres backend requires database.host"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}
	switch c.Store.Images {
	case "local", "none":
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			errs = append(errs, errors.New("store: minio images require minio.endpoint and minio.bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown images store %q", c.Store.Images))
	}
	if c.Vision.MinAspectRatio >= c.Vision.MaxAspectRatio {
		errs = append(errs, errors.New("vision: min_aspect_ratio must be below max_aspect_ratio"))
	}
	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" || cam.URL == "" {
			errs = append(errs, fmt.Errorf("cameras[%d]: id and url are required", i))
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID))
		}
		seen[cam.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case "sqlite":
			cfg.Store.Path = "data/identities.db"
		default:
			cfg.Store.Path = "data/identities.json"
		}
	}
	if cfg.Store.Images == "" {
		cfg.Store.Images = "local"
	}
	if cfg.Store.ImagesDir == "" {
		cfg.Store.ImagesDir = "data/faces"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.NATS.SessionPrefix == "" {
		cfg.NATS.SessionPrefix = "sessions"
	}
	if cfg.NATS.RenameSubject == "" {
		cfg.NATS.RenameSubject = "identity.rename"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "facelock"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "facelock/session"
	}
	if cfg.Vision.DetectorModel == "" {
		cfg.Vision.DetectorModel = "det_10g.onnx"
	}
	if cfg.Vision.EmbedderModel == "" {
		cfg.Vision.EmbedderModel = "face_embedding.onnx"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.EmbedderInputSize == 0 {
		cfg.Vision.EmbedderInputSize = 112
	}
	if cfg.Vision.FrameWidth == 0 {
		cfg.Vision.FrameWidth = 640
	}
	if cfg.Vision.DefaultFPS == 0 {
		cfg.Vision.DefaultFPS = 5
	}
	if cfg.Vision.MinFaceSize == 0 {
		cfg.Vision.MinFaceSize = 80
	}
	if cfg.Vision.MinAspectRatio == 0 {
		cfg.Vision.MinAspectRatio = 0.7
	}
	if cfg.Vision.MaxAspectRatio == 0 {
		cfg.Vision.MaxAspectRatio = 1.3
	}
	if cfg.Vision.CropPadding == 0 {
		cfg.Vision.CropPadding = 20
	}
	if cfg.Tracking.MaxAge == 0 {
		cfg.Tracking.MaxAge = 15
	}
	if cfg.Tracking.MinHits == 0 {
		cfg.Tracking.MinHits = 1
	}
	if cfg.Tracking.IoUThreshold == 0 {
		cfg.Tracking.IoUThreshold = 0.3
	}
	if cfg.Tracking.DisplayTTL == 0 {
		cfg.Tracking.DisplayTTL = 5 * time.Second
	}
	if cfg.Identity.ConfidentThreshold == 0 {
		cfg.Identity.ConfidentThreshold = 8.0
	}
	if cfg.Identity.RejectThreshold == 0 {
		cfg.Identity.RejectThreshold = 12.0
	}
	if cfg.Identity.Cooldown == 0 {
		cfg.Identity.Cooldown = 3 * time.Second
	}
	if cfg.Identity.EmbedTimeout == 0 {
		cfg.Identity.EmbedTimeout = 2 * time.Second
	}
	if cfg.Identity.Matcher == "" {
		cfg.Identity.Matcher = MatcherLinear
	}
	if cfg.Identity.EnrollmentMode == "" {
		cfg.Identity.EnrollmentMode = EnrollmentImmediate
	}
	if cfg.Identity.AnalysisWindow == 0 {
		cfg.Identity.AnalysisWindow = 3 * time.Second
	}
	if cfg.Identity.MaxDeviation == 0 {
		cfg.Identity.MaxDeviation = 6.0
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = "default"
	}
	if cfg.Session.StabilityDuration == 0 {
		cfg.Session.StabilityDuration = 2 * time.Second
	}
	if cfg.Session.NoFaceTimeout == 0 {
		cfg.Session.NoFaceTimeout = 10 * time.Second
	}
	if cfg.Session.TickInterval == 0 {
		cfg.Session.TickInterval = time.Second
	}
	if cfg.Session.SinkBuffer == 0 {
		cfg.Session.SinkBuffer = 64
	}
	if cfg.Ingest.FFmpegPath == "" {
		cfg.Ingest.FFmpegPath = "ffmpeg"
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryDelay == 0 {
		cfg.Ingest.RetryDelay = 2 * time.Second
	}
	for i := range cfg.Cameras {
		if cfg.Cameras[i].FPS == 0 {
			cfg.Cameras[i].FPS = cfg.Vision.DefaultFPS
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FL_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FL_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FL_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FL_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FL_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FL_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FL_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FL_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FL_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("FL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("FL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("FL_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FL_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FL_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FL_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FL_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("FL_CONFIDENT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Identity.ConfidentThreshold = f
		}
	}
	if v := os.Getenv("FL_REJECT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Identity.RejectThreshold = f
		}
	}
	if v := os.Getenv("FL_ENROLLMENT_MODE"); v != "" {
		cfg.Identity.EnrollmentMode = strings.ToLower(v)
	}
	if v := os.Getenv("FL_SESSION_ID"); v != "" {
		cfg.Session.ID = v
	}
	if v := os.Getenv("FL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
