package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Engine   EngineConfig   `yaml:"engine"`
	Audit    AuditConfig    `yaml:"audit"`
	S3       S3Config       `yaml:"s3"`
	Uploader UploaderConfig `yaml:"uploader"`
	Health   HealthConfig   `yaml:"health"`
}

// ServerConfig holds the endpoints of the backing services
type ServerConfig struct {
	ChannelURL    string `yaml:"channel_url"`    // websocket base, e.g. wss://api.example.com
	IdentityURL   string `yaml:"identity_url"`   // identity provider REST base
	ModerationURL string `yaml:"moderation_url"` // rumor/toxicity classifier REST base
}

// SessionConfig identifies the account the daemon runs as and the streams it watches
type SessionConfig struct {
	UserID   string   `yaml:"user_id"`
	Username string   `yaml:"username"`
	Streams  []string `yaml:"streams"` // stream IDs to join on startup
}

// EngineConfig holds the sync and escalation policy values
type EngineConfig struct {
	ReconnectBackoffSeconds int    `yaml:"reconnect_backoff_seconds"` // fixed wait between reconnect attempts
	ReconcileWindowSeconds  int    `yaml:"reconcile_window_seconds"`  // provisional/confirmed match tolerance
	WarningCeiling          int    `yaml:"warning_ceiling"`           // warnings before termination
	TimeoutSeconds          int    `yaml:"timeout_seconds"`           // speech timeout duration
	ReportThreshold         int    `yaml:"report_threshold"`          // reports that flag a post
	CountedReportReason     string `yaml:"counted_report_reason"`     // the report category that counts toward the threshold
}

// ReconnectBackoff returns the reconnect wait as a duration.
func (e EngineConfig) ReconnectBackoff() time.Duration {
	return time.Duration(e.ReconnectBackoffSeconds) * time.Second
}

// ReconcileWindow returns the reconciliation window as a duration.
func (e EngineConfig) ReconcileWindow() time.Duration {
	return time.Duration(e.ReconcileWindowSeconds) * time.Second
}

// Timeout returns the speech timeout as a duration.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// AuditConfig holds the violation audit log configuration
type AuditConfig struct {
	OutputDir       string `yaml:"output_dir"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
	BufferSize      int    `yaml:"buffer_size"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
	MediaPrefix     string `yaml:"media_prefix"`      // key prefix for media uploads
	PublicBaseURL   string `yaml:"public_base_url"`   // base URL returned for uploaded media
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	MaxRetries        int  `yaml:"max_retries"`
}

// HealthConfig holds the health endpoint configuration
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Read YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply environment variable overrides
	if url := os.Getenv("CHANNEL_URL"); url != "" {
		cfg.Server.ChannelURL = url
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		cfg.S3.RoleARN = roleARN
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		cfg.S3.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		cfg.S3.SecretAccessKey = secretKey
	}

	// Set defaults
	if cfg.Engine.ReconnectBackoffSeconds == 0 {
		cfg.Engine.ReconnectBackoffSeconds = 3
	}
	if cfg.Engine.ReconcileWindowSeconds == 0 {
		cfg.Engine.ReconcileWindowSeconds = 5
	}
	if cfg.Engine.WarningCeiling == 0 {
		cfg.Engine.WarningCeiling = 3
	}
	if cfg.Engine.TimeoutSeconds == 0 {
		cfg.Engine.TimeoutSeconds = 60
	}
	if cfg.Engine.ReportThreshold == 0 {
		cfg.Engine.ReportThreshold = 3
	}
	if cfg.Engine.CountedReportReason == "" {
		cfg.Engine.CountedReportReason = "misinformation"
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 100
	}
	if cfg.Audit.RotateMinutes == 0 {
		cfg.Audit.RotateMinutes = 60
	}
	if cfg.Audit.RotateMegabytes == 0 {
		cfg.Audit.RotateMegabytes = 100
	}
	if cfg.Audit.OutputDir == "" {
		cfg.Audit.OutputDir = "./data"
	}
	if cfg.Uploader.MaxRetries == 0 {
		cfg.Uploader.MaxRetries = 3
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}

	// Validate required fields
	if cfg.Server.ChannelURL == "" {
		return nil, fmt.Errorf("server.channel_url is required (or set CHANNEL_URL env var)")
	}
	if cfg.Session.UserID == "" {
		return nil, fmt.Errorf("session.user_id is required")
	}
	if cfg.Session.Username == "" {
		return nil, fmt.Errorf("session.username is required")
	}
	if cfg.S3.Bucket != "" {
		if cfg.S3.Region == "" {
			return nil, fmt.Errorf("s3.region is required when s3.bucket is set")
		}
		// Either OIDC role or static credentials required
		if cfg.S3.RoleARN == "" && cfg.S3.AccessKeyID == "" {
			return nil, fmt.Errorf("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
		}
		// If using static credentials, both key and secret are required
		if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey == "" {
			return nil, fmt.Errorf("s3.secret_access_key is required when using access_key_id")
		}
	}

	return &cfg, nil
}
