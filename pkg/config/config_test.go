// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()
	require.NotNil(t, c)

	assert.Equal(t, 5*time.Second, c.AllocatorPeriod)
	assert.Equal(t, 1*time.Second, c.PowerPeriod)
	assert.Equal(t, 30*time.Second, c.KeepaliveExpiryPeriod)
	assert.Equal(t, 1*time.Hour, c.HistoricalPeriod)
	assert.Equal(t, 3, c.BMPMaxFailures)
	assert.False(t, c.Paused)
	assert.NoError(t, c.Validate())
}

func TestLoadFile_MissingIsNotError(t *testing.T) {
	c := NewDefault()
	err := c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}

func TestLoadFile_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spalloc.yaml")
	body := "allocator_period: 2s\nquota_default: 100\npaused: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c := NewDefault()
	require.NoError(t, c.LoadFile(path))

	assert.Equal(t, 2*time.Second, c.AllocatorPeriod)
	assert.Equal(t, int64(100), c.QuotaDefault)
	assert.True(t, c.Paused)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("SPALLOC_ALLOCATOR_PERIOD", "9s")
	t.Setenv("SPALLOC_BMP_MAX_FAILURES", "7")
	t.Setenv("SPALLOC_PAUSED", "true")

	c := NewDefault()
	c.LoadEnv()

	assert.Equal(t, 9*time.Second, c.AllocatorPeriod)
	assert.Equal(t, 7, c.BMPMaxFailures)
	assert.True(t, c.Paused)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing store dsn", func(c *Config) { c.StoreDSN = "" }, ErrMissingStoreDSN},
		{"zero allocator period", func(c *Config) { c.AllocatorPeriod = 0 }, ErrInvalidPeriod},
		{"negative power period", func(c *Config) { c.PowerPeriod = -1 }, ErrInvalidPeriod},
		{"zero bmp max failures", func(c *Config) { c.BMPMaxFailures = 0 }, ErrInvalidMaxFailures},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefault()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.wantErr)
		})
	}
}
