package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"taskdesk/internal/assign"
)

const FileName = "taskdesk.yml"

// Config models taskdesk.yml.
type Config struct {
	Storage struct {
		UploadRoot      string `yaml:"upload_root"`
		MaxArchiveBytes int64  `yaml:"max_archive_bytes"`
	} `yaml:"storage"`
	Assignment struct {
		WorkloadCap   int     `yaml:"workload_cap"`
		MinSkillMatch float64 `yaml:"min_skill_match"`
	} `yaml:"assignment"`
	ProjectTypes map[string][]string `yaml:"project_types"`
	Log          struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.UploadRoot) == "" {
		return errors.New("config.storage.upload_root is required")
	}
	if c.Storage.MaxArchiveBytes <= 0 {
		return errors.New("config.storage.max_archive_bytes must be positive")
	}
	if c.Assignment.WorkloadCap < 1 {
		return errors.New("config.assignment.workload_cap must be at least 1")
	}
	if c.Assignment.MinSkillMatch < 0 || c.Assignment.MinSkillMatch > 100 {
		return errors.New("config.assignment.min_skill_match must be between 0 and 100")
	}
	for name, skills := range c.ProjectTypes {
		if name != assign.NormalizeProjectType(name) {
			return fmt.Errorf("project type %q must be lower_snake_case", name)
		}
		for _, s := range skills {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("project type %s has an empty skill", name)
			}
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.New("config.server.base_path must start with /")
	}
	return nil
}

// Policy returns the assignment policy configured for recommendations.
func (c *Config) Policy() assign.Policy {
	return assign.Policy{WorkloadCap: c.Assignment.WorkloadCap, MinSkillMatch: c.Assignment.MinSkillMatch}
}

// UploadRoot resolves storage.upload_root against the workspace.
func (c *Config) UploadRoot(workspace string) string {
	root := c.Storage.UploadRoot
	if filepath.IsAbs(root) {
		return root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads the workspace config, falling back to Default when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default config unless a file already exists.
func WriteDefault(workspace string) (bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// SetupLogger builds a slog logger from the log section and installs it as default.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", s)
}

const defaultTemplate = `storage:
  upload_root: uploads
  max_archive_bytes: 52428800

assignment:
  workload_cap: 3
  min_skill_match: 50

project_types:
  website_development: [HTML, CSS, JavaScript, React, Vue, Angular, Node.js, PHP, UI/UX, Responsive Design, Web Security]
  mobile_app_development: [Swift, Kotlin, React Native, Flutter, Java, Mobile UI/UX, Firebase, App Store Optimization]
  machine_learning: [Python, TensorFlow, PyTorch, Scikit-learn, NLP, Computer Vision, Data Mining, Statistics, Feature Engineering]
  data_engineering: [SQL, ETL, Data Warehouse, Spark, Hadoop, Data Modeling, MongoDB, PostgreSQL, AWS Redshift]
  api_development: [REST API, GraphQL, Node.js, Django, Flask, API Security, API Testing, API Documentation, Microservices]
  devops: [Docker, Kubernetes, CI/CD, AWS, Azure, GCP, Jenkins, Terraform, Ansible, System Administration]
  blockchain: [Solidity, Smart Contracts, Ethereum, Web3.js, DApps, Blockchain Security, Consensus Algorithms]
  cybersecurity: [Network Security, Penetration Testing, Vulnerability Assessment, Security Auditing, Encryption, Ethical Hacking, OWASP]
  game_development: [Unity, Unreal Engine, C#, C++, Game Design, 3D Modeling, Animation, Physics Simulation, Multiplayer Networking]

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
