package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a recognition session. It is fixed at construction
// and never renegotiated mid-session.
type Config struct {
	MaxTrackedFaces  int `yaml:"max_tracked_faces"`
	FeaturePoolSize  int `yaml:"feature_pool_size"`  // defaults to MaxTrackedFaces
	LivenessPoolSize int `yaml:"liveness_pool_size"` // defaults to MaxTrackedFaces

	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	RGBLivenessThreshold float64 `yaml:"rgb_liveness_threshold"`
	IRLivenessThreshold  float64 `yaml:"ir_liveness_threshold"`

	MaxExtractRetries  int `yaml:"max_extract_retries"`
	MaxLivenessRetries int `yaml:"max_liveness_retries"`

	RecognizeRetryInterval time.Duration `yaml:"recognize_retry_interval"`
	LivenessRetryInterval  time.Duration `yaml:"liveness_retry_interval"`
	NoticeDuration         time.Duration `yaml:"notice_duration"`
	LivenessWaitTimeout    time.Duration `yaml:"liveness_wait_timeout"` // 0 waits until verdict or departure

	SingleFace       bool   `yaml:"single_face"`
	LivenessEnabled  bool   `yaml:"liveness_enabled"`
	LivenessModality string `yaml:"liveness_modality"` // rgb | ir

	DualSensorOffset Offset        `yaml:"dual_sensor_offset"`
	Filters          FilterConfig  `yaml:"filters"`
	Display          DisplayConfig `yaml:"display"`
	Engine           EngineConfig  `yaml:"engine"`
	Store            StoreConfig   `yaml:"store"`

	LogLevel string `yaml:"log_level"`
}

// Offset is the operator-calibrated pixel shift from the RGB sensor to the IR sensor
type Offset struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

type FilterConfig struct {
	MinFaceWidth    int         `yaml:"min_face_width"`
	MinFaceHeight   int         `yaml:"min_face_height"`
	MaxMoveDistance float64     `yaml:"max_move_distance"` // 0 disables the move filter
	RecognizeArea   *types.Rect `yaml:"recognize_area"`    // display space; nil disables the area filter
}

// DisplayConfig describes how sensor pixels map onto the preview view
type DisplayConfig struct {
	PreviewWidth     int  `yaml:"preview_width"`
	PreviewHeight    int  `yaml:"preview_height"`
	ViewWidth        int  `yaml:"view_width"`
	ViewHeight       int  `yaml:"view_height"`
	Orientation      int  `yaml:"orientation"`
	FrontFacing      bool `yaml:"front_facing"`
	MirrorHorizontal bool `yaml:"mirror_horizontal"`
	MirrorVertical   bool `yaml:"mirror_vertical"`
}

type EngineConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // postgres | hnsw
	Dim     int    `yaml:"dim"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		MaxTrackedFaces:        5,
		SimilarityThreshold:    0.8,
		RGBLivenessThreshold:   0.5,
		IRLivenessThreshold:    0.7,
		MaxExtractRetries:      3,
		MaxLivenessRetries:     3,
		RecognizeRetryInterval: 0,
		LivenessRetryInterval:  0,
		NoticeDuration:         1500 * time.Millisecond,
		LivenessWaitTimeout:    10 * time.Second,
		LivenessEnabled:        true,
		LivenessModality:       "rgb",
		Display: DisplayConfig{
			PreviewWidth:  1280,
			PreviewHeight: 720,
			ViewWidth:     1280,
			ViewHeight:    720,
		},
		Engine: EngineConfig{
			Command:     "python3",
			Args:        []string{"-u", "python/engine.py"},
			ReadTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "postgres",
			Dim:     512,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults and then applies FACEGATE_* environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.MaxTrackedFaces = envInt("FACEGATE_MAX_TRACKED_FACES", cfg.MaxTrackedFaces)
	cfg.FeaturePoolSize = envInt("FACEGATE_FEATURE_POOL_SIZE", cfg.FeaturePoolSize)
	cfg.LivenessPoolSize = envInt("FACEGATE_LIVENESS_POOL_SIZE", cfg.LivenessPoolSize)
	cfg.SimilarityThreshold = envFloat("FACEGATE_SIMILARITY_THRESHOLD", cfg.SimilarityThreshold)
	cfg.RecognizeRetryInterval = envDuration("FACEGATE_RECOGNIZE_RETRY_INTERVAL", cfg.RecognizeRetryInterval)
	cfg.LivenessRetryInterval = envDuration("FACEGATE_LIVENESS_RETRY_INTERVAL", cfg.LivenessRetryInterval)
	cfg.LivenessEnabled = envBool("FACEGATE_LIVENESS_ENABLED", cfg.LivenessEnabled)
	cfg.SingleFace = envBool("FACEGATE_SINGLE_FACE", cfg.SingleFace)
	if v := os.Getenv("FACEGATE_LIVENESS_MODALITY"); v != "" {
		cfg.LivenessModality = v
	}
	if v := os.Getenv("FACEGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

// Modality returns the sensor channel used for liveness
func (c *Config) Modality() types.Modality {
	if c.LivenessModality == "ir" {
		return types.ModalityIR
	}
	return types.ModalityRGB
}

// FeatureWorkers returns the feature pool size, falling back to MaxTrackedFaces
func (c *Config) FeatureWorkers() int {
	if c.FeaturePoolSize > 0 {
		return c.FeaturePoolSize
	}
	return c.MaxTrackedFaces
}

// LivenessWorkers returns the liveness pool size, falling back to MaxTrackedFaces
func (c *Config) LivenessWorkers() int {
	if c.LivenessPoolSize > 0 {
		return c.LivenessPoolSize
	}
	return c.MaxTrackedFaces
}

// Validate returns the first invalid setting found
func (c *Config) Validate() error {
	if c.MaxTrackedFaces < 1 {
		return fmt.Errorf("max_tracked_faces must be >= 1, got %d", c.MaxTrackedFaces)
	}
	if c.FeaturePoolSize < 0 || c.LivenessPoolSize < 0 {
		return errors.New("pool sizes must not be negative")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity_threshold must be between 0.0 and 1.0, got %f", c.SimilarityThreshold)
	}
	if c.MaxExtractRetries < 0 || c.MaxLivenessRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.RecognizeRetryInterval < 0 || c.LivenessRetryInterval < 0 || c.NoticeDuration < 0 || c.LivenessWaitTimeout < 0 {
		return errors.New("intervals must not be negative")
	}
	if c.LivenessModality != "rgb" && c.LivenessModality != "ir" {
		return fmt.Errorf("liveness_modality must be rgb or ir, got %q", c.LivenessModality)
	}
	d := c.Display
	if d.PreviewWidth <= 0 || d.PreviewHeight <= 0 || d.ViewWidth <= 0 || d.ViewHeight <= 0 {
		return errors.New("display dimensions must be positive")
	}
	if d.Orientation%90 != 0 || d.Orientation < 0 || d.Orientation >= 360 {
		return fmt.Errorf("display orientation must be 0, 90, 180 or 270, got %d", d.Orientation)
	}
	if c.Filters.MinFaceWidth < 0 || c.Filters.MinFaceHeight < 0 || c.Filters.MaxMoveDistance < 0 {
		return errors.New("filter thresholds must not be negative")
	}
	if a := c.Filters.RecognizeArea; a != nil && a.Empty() {
		return errors.New("recognize_area must not be empty")
	}
	if c.Store.Backend != "postgres" && c.Store.Backend != "hnsw" {
		return fmt.Errorf("store backend must be postgres or hnsw, got %q", c.Store.Backend)
	}
	return nil
}
