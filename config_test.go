// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package limitd

import (
	"errors"
	"strings"
	"testing"

	"github.com/caarlos0/env/v11"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(Options{DB: "memory"})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.Hostname != "0.0.0.0" {
		t.Errorf("Expected hostname 0.0.0.0, got %s", cfg.Hostname)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level info, got %s", cfg.LogLevel)
	}
	if cfg.Protocol != "protocol-buffers" {
		t.Errorf("Expected protocol-buffers, got %s", cfg.Protocol)
	}
	if !cfg.CollectResourceUsage {
		t.Error("Expected CollectResourceUsage to default to true")
	}
	if cfg.DeploymentRegion != "unknown" {
		t.Errorf("Expected region unknown, got %s", cfg.DeploymentRegion)
	}
	if cfg.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("Expected max frame size %d, got %d", DefaultMaxFrameSize, cfg.MaxFrameSize)
	}
	if cfg.Address() != "0.0.0.0:9231" {
		t.Errorf("Expected address 0.0.0.0:9231, got %s", cfg.Address())
	}
}

func TestNewConfig_Overrides(t *testing.T) {
	port := 0
	collect := false

	cfg, err := NewConfig(Options{
		DB:                   "redis://localhost:6379/0",
		Port:                 &port,
		Hostname:             "127.0.0.1",
		LogLevel:             "DEBUG",
		Protocol:             "json",
		MetricsAPIKey:        "secret",
		CollectResourceUsage: &collect,
		DeploymentRegion:     "us-east-1",
		ConnRequestRate:      50,
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if cfg.Port != 0 {
		t.Errorf("Expected explicit port 0 to be kept, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level to be normalized to debug, got %s", cfg.LogLevel)
	}
	if cfg.Protocol != "json" {
		t.Errorf("Expected json protocol, got %s", cfg.Protocol)
	}
	if cfg.CollectResourceUsage {
		t.Error("Expected CollectResourceUsage false")
	}
	if cfg.ConnRequestBurst != 1 {
		t.Errorf("Expected burst to default to 1 when a rate is set, got %d", cfg.ConnRequestBurst)
	}
}

func TestNewConfig_Rejections(t *testing.T) {
	badPort := 70000

	tests := []struct {
		name  string
		opts  Options
		field string
	}{
		{
			name:  "missing db",
			opts:  Options{},
			field: "db",
		},
		{
			name:  "blank db",
			opts:  Options{DB: "   "},
			field: "db",
		},
		{
			name:  "unknown protocol",
			opts:  Options{DB: "memory", Protocol: "xml"},
			field: "protocol",
		},
		{
			name:  "unknown log level",
			opts:  Options{DB: "memory", LogLevel: "verbose"},
			field: "log_level",
		},
		{
			name:  "port out of range",
			opts:  Options{DB: "memory", Port: &badPort},
			field: "port",
		},
		{
			name:  "reporter url",
			opts:  Options{DB: "memory", ErrorReporterURL: "not a url"},
			field: "error_reporter_url",
		},
		{
			name:  "missing buckets file",
			opts:  Options{DB: "memory", BucketsFile: "/does/not/exist.toml"},
			field: "buckets_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opts)
			if err == nil {
				t.Fatal("Expected configuration error")
			}
			if !errors.Is(err, lderrors.ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
			var cfgErr *lderrors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q (%v)", tt.field, cfgErr.Field, err)
			}
		})
	}
}

func TestLoadOptions(t *testing.T) {
	t.Setenv("LIMITD_TEST_DB", "memory")
	t.Setenv("LIMITD_TEST_PORT", "9300")
	t.Setenv("LIMITD_TEST_COLLECT_RESOURCE_USAGE", "false")
	t.Setenv("LIMITD_TEST_PROTOCOL", "json")

	opts, err := LoadOptions(env.Options{Prefix: "LIMITD_TEST_"})
	if err != nil {
		t.Fatalf("LoadOptions() error = %v", err)
	}

	if opts.DB != "memory" {
		t.Errorf("Expected DB memory, got %q", opts.DB)
	}
	if opts.Port == nil || *opts.Port != 9300 {
		t.Errorf("Expected port 9300, got %v", opts.Port)
	}
	if opts.CollectResourceUsage == nil || *opts.CollectResourceUsage {
		t.Errorf("Expected CollectResourceUsage false, got %v", opts.CollectResourceUsage)
	}

	cfg, err := NewConfig(opts)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if !strings.HasSuffix(cfg.Address(), ":9300") {
		t.Errorf("Expected address to end in :9300, got %s", cfg.Address())
	}
}
