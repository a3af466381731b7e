package config

import (
	"time"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/alert"
	"github.com/vietddude/harvester/internal/harvesting/harvest"
	"github.com/vietddude/harvester/internal/harvesting/scheduler"
	redisclient "github.com/vietddude/harvester/internal/infra/redis"
	"github.com/vietddude/harvester/internal/infra/retry"
	"github.com/vietddude/harvester/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	Harvest   harvest.Config     `yaml:"harvest"`
	Retry     retry.Config       `yaml:"retry"`
	Fetch     FetchConfig        `yaml:"fetch"`
	Alert     AlertConfig        `yaml:"alert"`
	Output    OutputConfig       `yaml:"output"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	State     StateConfig        `yaml:"state"`
	Logging   LoggingConfig      `yaml:"logging"`
	Retention time.Duration      `yaml:"retention"` // run history, 0 = keep forever
	Sources   []domain.Source    `yaml:"sources"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// MemoryState keeps state in process memory only.
const MemoryState = ":memory:"

// StateConfig locates the local state file used when no database is
// configured. Path ":memory:" disables it.
type StateConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// FetchConfig holds HTTP client settings.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	MaxBodySize int64         `yaml:"max_body_size"` // bytes, 0 = 64 MiB
}

// AlertConfig holds alerting settings. Email is sent only when a SendGrid
// key is configured; alerts are always logged.
type AlertConfig struct {
	Interval int                  `yaml:"interval"`
	SendGrid alert.SendGridConfig `yaml:"sendgrid"`
}

// OutputConfig selects artifact sinks.
type OutputConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config holds object storage settings. Empty bucket disables S3.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Source returns the source with the given id.
func (c *AppConfig) Source(id string) (domain.Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Source{}, false
}
