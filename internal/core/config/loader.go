package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/harvesting/health"
	"github.com/vietddude/harvester/internal/harvesting/scheduler"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "permit-harvester/1.0"
	}
	if c.Alert.Interval == 0 {
		c.Alert.Interval = health.DefaultAlertInterval
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "data"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.Output.Dir, "harvester.db")
	}

	c.Scheduler = c.Scheduler.WithDefaults()
	c.Harvest = c.Harvest.WithDefaults()
	c.Retry = c.Retry.WithDefaults()

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Weight == 0 {
			src.Weight = 1
		}
		for j := range src.Endpoints {
			ep := &src.Endpoints[j]
			if ep.Rank == 0 {
				ep.Rank = j + 1
			}
			if ep.Kind == "" {
				ep.Kind = defaultKind(ep.Dialect)
			}
		}
	}
}

func defaultKind(d domain.Dialect) domain.EndpointKind {
	switch d {
	case domain.DialectCarto:
		return domain.KindSQLQuery
	case domain.DialectCSV:
		return domain.KindBulkDownload
	default:
		return domain.KindPaginatedQuery
	}
}

var (
	validKinds = map[domain.EndpointKind]bool{
		domain.KindPaginatedQuery: true,
		domain.KindSQLQuery:       true,
		domain.KindBulkDownload:   true,
	}
	validDialects = map[domain.Dialect]bool{
		domain.DialectSocrata: true,
		domain.DialectArcGIS:  true,
		domain.DialectCarto:   true,
		domain.DialectCSV:     true,
	}
)

// Validate checks the configuration after defaults are applied.
func (c *AppConfig) Validate() error {
	var errs []error

	if _, _, err := scheduler.ParseClock(c.Scheduler.WindowStart); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Scheduler.Timezone, err))
	}
	if c.Alert.Interval < 0 {
		errs = append(errs, errors.New("alert.interval must be positive"))
	}

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("no sources configured"))
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("source %s: duplicate id", src.ID))
		}
		seen[src.ID] = true

		if src.Weight < 0 {
			errs = append(errs, fmt.Errorf("source %s: weight must be positive", src.ID))
		}
		if len(src.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("source %s: no endpoints", src.ID))
		}
		for j, ep := range src.Endpoints {
			if ep.URL == "" {
				errs = append(errs, fmt.Errorf("source %s endpoint %d: url is required", src.ID, j))
			}
			if !validKinds[ep.Kind] {
				errs = append(errs, fmt.Errorf("source %s endpoint %d: unknown kind %q", src.ID, j, ep.Kind))
			}
			if !validDialects[ep.Dialect] {
				errs = append(errs, fmt.Errorf("source %s endpoint %d: unknown dialect %q", src.ID, j, ep.Dialect))
			}
		}
	}
	return errors.Join(errs...)
}
