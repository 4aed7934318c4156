package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// Config is the run configuration. JSON files are accepted since JSON is valid YAML.
type Config struct {
	DetectionModelPath    string  `yaml:"detection_model_path"`
	DetectionThreshold    float64 `yaml:"detection_threshold"`
	VerificationThreshold float64 `yaml:"verification_threshold"` // Euclidean distance bound, lower is stricter
	People                People  `yaml:"people"`

	ClipPercent   float64 `yaml:"clip_percent"`
	Engines       int     `yaml:"engines"`
	OnError       string  `yaml:"on_error"`
	WorkerScript  string  `yaml:"worker_script"`
	WorkerTimeout string  `yaml:"worker_timeout"`
	DatabaseURL   string  `yaml:"database_url"`
}

// Identity is one named person with their reference images.
type Identity struct {
	Name   string
	Images []string
}

// People keeps identities in file order so gallery build order is deterministic.
type People []Identity

// UnmarshalYAML decodes a mapping of name -> image list, preserving key order.
func (p *People) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: people must be a mapping of name to image paths", node.Line)
	}
	out := make(People, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("line %d: duplicate identity %q", node.Content[i].Line, name)
		}
		seen[name] = true

		var images []string
		if err := node.Content[i+1].Decode(&images); err != nil {
			return fmt.Errorf("identity %q: %w", name, err)
		}
		out = append(out, Identity{Name: name, Images: images})
	}
	*p = out
	return nil
}

// Default returns a Config with defaults for every optional field.
func Default() *Config {
	return &Config{
		DetectionModelPath:    "models/yolov8n-face.pt",
		DetectionThreshold:    0.8,
		VerificationThreshold: 0.5,
		ClipPercent:           15,
		Engines:               1,
		OnError:               OnErrorAbort,
		WorkerScript:          "python/worker.py",
		WorkerTimeout:         "60s",
	}
}

// Load reads a config file, applies environment overrides and validates the result.
// Relative image paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML or JSON on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	for i := range c.People {
		for j, img := range c.People[i].Images {
			if img != "" && !filepath.IsAbs(img) {
				c.People[i].Images[j] = filepath.Join(base, img)
			}
		}
	}
}

func (c *Config) applyEnv() {
	c.DetectionModelPath = envString("WATCHLIST_DETECTION_MODEL_PATH", c.DetectionModelPath)
	c.DetectionThreshold = envFloat("WATCHLIST_DETECTION_THRESHOLD", c.DetectionThreshold)
	c.VerificationThreshold = envFloat("WATCHLIST_VERIFICATION_THRESHOLD", c.VerificationThreshold)
	c.WorkerScript = envString("WATCHLIST_WORKER_SCRIPT", c.WorkerScript)
	c.Engines = envInt("WATCHLIST_ENGINES", c.Engines)
	c.DatabaseURL = envString("DATABASE_URL", c.DatabaseURL)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.DetectionModelPath == "" {
		errs = append(errs, errors.New("detection_model_path is required"))
	}
	if c.DetectionThreshold < 0 || c.DetectionThreshold > 1 || math.IsNaN(c.DetectionThreshold) {
		errs = append(errs, fmt.Errorf("detection_threshold must be between 0.0 and 1.0, got %v", c.DetectionThreshold))
	}
	if c.VerificationThreshold < 0 || math.IsNaN(c.VerificationThreshold) {
		errs = append(errs, fmt.Errorf("verification_threshold must be >= 0, got %v", c.VerificationThreshold))
	}
	if c.ClipPercent < 0 || c.ClipPercent >= 100 {
		errs = append(errs, fmt.Errorf("clip_percent must be in [0, 100), got %v", c.ClipPercent))
	}
	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("engines must be >= 1, got %d", c.Engines))
	}
	if c.OnError != OnErrorAbort && c.OnError != OnErrorSkip {
		errs = append(errs, fmt.Errorf("on_error must be %q or %q, got %q", OnErrorAbort, OnErrorSkip, c.OnError))
	}
	if _, err := time.ParseDuration(c.WorkerTimeout); err != nil {
		errs = append(errs, fmt.Errorf("worker_timeout: %w", err))
	}
	for _, id := range c.People {
		if id.Name == "" {
			errs = append(errs, errors.New("people: identity name must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// Timeout returns the parsed worker timeout.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.WorkerTimeout)
	return d
}

// ImageCount returns the number of reference images across all identities.
func (c *Config) ImageCount() int {
	n := 0
	for _, id := range c.People {
		n += len(id.Images)
	}
	return n
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
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
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}
