// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config loads the tunables spec.md §6 names: allocator and
// sweep periods, quota defaults, BMP deadlines/dwell times, and store
// busy timeout. Loading a machine's board/link topology is an
// external concern (spec.md §1) and does not live here.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the core's runtime tunables.
type Config struct {
	// StoreDSN is the live database's connection string, e.g.
	// "file:spalloc.db?_journal=WAL".
	StoreDSN string `yaml:"store_dsn"`

	// HistoricalDSN is the tombstone database's connection string,
	// attached to StoreDSN's connection per spec.md §6.
	HistoricalDSN string `yaml:"historical_dsn"`

	// StoreBusyTimeout bounds how long a connection waits on a locked
	// database before returning Busy.
	StoreBusyTimeout time.Duration `yaml:"store_busy_timeout"`

	// AllocatorPeriod is the Allocator's tick interval (spec.md §4.C).
	AllocatorPeriod time.Duration `yaml:"allocator_period"`

	// PowerPeriod is the PowerController's poll interval (spec.md §4.D).
	PowerPeriod time.Duration `yaml:"power_period"`

	// KeepaliveExpiryPeriod is the ExpirySweep interval (spec.md §4.E).
	KeepaliveExpiryPeriod time.Duration `yaml:"keepalive_expiry_period"`

	// HistoricalGracePeriod is how long a dead job waits before
	// tombstoning (spec.md §4.E).
	HistoricalGracePeriod time.Duration `yaml:"historical_grace_period"`

	// HistoricalPeriod is the Tombstone task's interval.
	HistoricalPeriod time.Duration `yaml:"historical_period"`

	// QuotaConsolidationPeriod is the QuotaManager's interval.
	QuotaConsolidationPeriod time.Duration `yaml:"quota_consolidation_period"`

	// QuotaDefault is the default group quota in board-seconds; zero
	// means "use whatever the group record already has".
	QuotaDefault int64 `yaml:"quota_default"`

	// BMPDeadline bounds a single BMP call (spec.md §6).
	BMPDeadline time.Duration `yaml:"bmp_deadline"`

	// BMPMinOff / BMPMinOn are the minimum dwell times between
	// opposite power transitions for one board (spec.md §4.D).
	BMPMinOff time.Duration `yaml:"bmp_min_off"`
	BMPMinOn  time.Duration `yaml:"bmp_min_on"`

	// BMPMaxFailures is the number of consecutive BMP failures before
	// a job is destroyed with reason "bmp failure" (spec.md §4.D).
	BMPMaxFailures int `yaml:"bmp_max_failures"`

	// Paused short-circuits every periodic task when true (spec.md §4.G).
	Paused bool `yaml:"paused"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// NewDefault returns the tunables spec.md §4 names as defaults.
func NewDefault() *Config {
	return &Config{
		StoreDSN:                 "file:spalloc.db?_journal=WAL&_fk=1",
		HistoricalDSN:            "file:spalloc_history.db?_journal=WAL&_fk=1",
		StoreBusyTimeout:         1 * time.Second,
		AllocatorPeriod:          5 * time.Second,
		PowerPeriod:              1 * time.Second,
		KeepaliveExpiryPeriod:    30 * time.Second,
		HistoricalGracePeriod:    24 * time.Hour,
		HistoricalPeriod:         1 * time.Hour,
		QuotaConsolidationPeriod: 5 * time.Minute,
		QuotaDefault:             0,
		BMPDeadline:              10 * time.Second,
		BMPMinOff:                5 * time.Second,
		BMPMinOn:                 5 * time.Second,
		BMPMaxFailures:           3,
		Paused:                   false,
		Debug:                    false,
	}
}

// LoadFile merges a YAML config file's values into c. A missing file
// is not an error: defaults stand.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// LoadEnv overlays environment variables on top of whatever is
// already set, following the teacher's "only override if present"
// convention.
func (c *Config) LoadEnv() {
	if v := os.Getenv("SPALLOC_STORE_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("SPALLOC_HISTORICAL_DSN"); v != "" {
		c.HistoricalDSN = v
	}
	setDuration(os.Getenv("SPALLOC_STORE_BUSY_TIMEOUT"), &c.StoreBusyTimeout)
	setDuration(os.Getenv("SPALLOC_ALLOCATOR_PERIOD"), &c.AllocatorPeriod)
	setDuration(os.Getenv("SPALLOC_POWER_PERIOD"), &c.PowerPeriod)
	setDuration(os.Getenv("SPALLOC_KEEPALIVE_EXPIRY_PERIOD"), &c.KeepaliveExpiryPeriod)
	setDuration(os.Getenv("SPALLOC_HISTORICAL_GRACE_PERIOD"), &c.HistoricalGracePeriod)
	setDuration(os.Getenv("SPALLOC_HISTORICAL_PERIOD"), &c.HistoricalPeriod)
	setDuration(os.Getenv("SPALLOC_QUOTA_CONSOLIDATION_PERIOD"), &c.QuotaConsolidationPeriod)
	setDuration(os.Getenv("SPALLOC_BMP_DEADLINE"), &c.BMPDeadline)
	setDuration(os.Getenv("SPALLOC_BMP_MIN_OFF"), &c.BMPMinOff)
	setDuration(os.Getenv("SPALLOC_BMP_MIN_ON"), &c.BMPMinOn)

	if v := os.Getenv("SPALLOC_QUOTA_DEFAULT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.QuotaDefault = n
		}
	}
	if v := os.Getenv("SPALLOC_BMP_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BMPMaxFailures = n
		}
	}
	c.Paused = getEnvBoolOrDefault("SPALLOC_PAUSED", c.Paused)
	c.Debug = getEnvBoolOrDefault("SPALLOC_DEBUG", c.Debug)
}

// Validate rejects a missing store DSN, a zero or negative task period
// or BMP deadline, and a BMP failure budget below one. BMPMinOff and
// BMPMinOn are not checked.
func (c *Config) Validate() error {
	switch {
	case c.StoreDSN == "":
		return ErrMissingStoreDSN
	case c.AllocatorPeriod <= 0:
		return ErrInvalidPeriod
	case c.PowerPeriod <= 0:
		return ErrInvalidPeriod
	case c.KeepaliveExpiryPeriod <= 0:
		return ErrInvalidPeriod
	case c.HistoricalPeriod <= 0:
		return ErrInvalidPeriod
	case c.QuotaConsolidationPeriod <= 0:
		return ErrInvalidPeriod
	case c.BMPDeadline <= 0:
		return ErrInvalidPeriod
	case c.BMPMaxFailures < 1:
		return ErrInvalidMaxFailures
	}
	return nil
}

func setDuration(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
