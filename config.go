// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package limitd

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
)

// Defaults applied by NewConfig to every unset option.
const (
	DefaultPort                 = 9231
	DefaultHostname             = "0.0.0.0"
	DefaultLogLevel             = "info"
	DefaultProtocol             = "protocol-buffers"
	DefaultCollectResourceUsage = true
	DefaultDeploymentRegion     = "unknown"
	DefaultMaxFrameSize         = 1 << 20
)

// Options are the construction options of a limitd server. Zero values
// (and nil pointers) mean "use the default".
type Options struct {
	DB                   string  `env:"DB"`
	Port                 *int    `env:"PORT"`
	Hostname             string  `env:"HOSTNAME"`
	LogLevel             string  `env:"LOG_LEVEL"`
	Protocol             string  `env:"PROTOCOL"`
	MetricsAPIKey        string  `env:"METRICS_API_KEY"`
	ErrorReporterURL     string  `env:"ERROR_REPORTER_URL"`
	CollectResourceUsage *bool   `env:"COLLECT_RESOURCE_USAGE"`
	DeploymentRegion     string  `env:"DEPLOYMENT_REGION"`
	BucketsFile          string  `env:"BUCKETS_FILE"`
	MaxFrameSize         int     `env:"MAX_FRAME_SIZE"`
	ConnRequestRate      float64 `env:"CONN_REQUEST_RATE"`
	ConnRequestBurst     int     `env:"CONN_REQUEST_BURST"`
}

// Config is the validated, immutable server configuration. It is built once
// by NewConfig and passed by value afterwards.
type Config struct {
	Port                 int     `env:"PORT" validate:"gte=0,lte=65535"`
	Hostname             string  `env:"HOSTNAME" validate:"required"`
	LogLevel             string  `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Protocol             string  `env:"PROTOCOL" validate:"oneof=protocol-buffers json"`
	DB                   string  `env:"DB" validate:"required"`
	MetricsAPIKey        string  `env:"METRICS_API_KEY"`
	ErrorReporterURL     string  `env:"ERROR_REPORTER_URL" validate:"omitempty,url"`
	CollectResourceUsage bool    `env:"COLLECT_RESOURCE_USAGE"`
	DeploymentRegion     string  `env:"DEPLOYMENT_REGION" validate:"required"`
	BucketsFile          string  `env:"BUCKETS_FILE" validate:"omitempty,file"`
	MaxFrameSize         int     `env:"MAX_FRAME_SIZE" validate:"gte=16,lte=67108864"`
	ConnRequestRate      float64 `env:"CONN_REQUEST_RATE" validate:"gte=0"`
	ConnRequestBurst     int     `env:"CONN_REQUEST_BURST" validate:"gte=0"`
}

// Address returns the listen address in host:port form.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// LoadOptions reads Options from the environment.
func LoadOptions(opts env.Options) (Options, error) {
	var o Options
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return Options{}, lderrors.NewConfig("", err)
	}
	return o, nil
}

// NewConfig merges opts over the defaults and validates the result.
// A missing DB is rejected before anything else is looked at.
func NewConfig(opts Options) (Config, error) {
	if strings.TrimSpace(opts.DB) == "" {
		return Config{}, lderrors.NewConfig("db", errors.New("is required"))
	}

	cfg := Config{
		Port:                 DefaultPort,
		Hostname:             DefaultHostname,
		LogLevel:             DefaultLogLevel,
		Protocol:             DefaultProtocol,
		DB:                   opts.DB,
		MetricsAPIKey:        opts.MetricsAPIKey,
		ErrorReporterURL:     opts.ErrorReporterURL,
		CollectResourceUsage: DefaultCollectResourceUsage,
		DeploymentRegion:     DefaultDeploymentRegion,
		BucketsFile:          opts.BucketsFile,
		MaxFrameSize:         DefaultMaxFrameSize,
		ConnRequestRate:      opts.ConnRequestRate,
		ConnRequestBurst:     opts.ConnRequestBurst,
	}
	if opts.Port != nil {
		cfg.Port = *opts.Port
	}
	if opts.Hostname != "" {
		cfg.Hostname = opts.Hostname
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(opts.LogLevel)
	}
	if opts.Protocol != "" {
		cfg.Protocol = opts.Protocol
	}
	if opts.CollectResourceUsage != nil {
		cfg.CollectResourceUsage = *opts.CollectResourceUsage
	}
	if opts.DeploymentRegion != "" {
		cfg.DeploymentRegion = opts.DeploymentRegion
	}
	if opts.MaxFrameSize != 0 {
		cfg.MaxFrameSize = opts.MaxFrameSize
	}
	if cfg.ConnRequestRate > 0 && cfg.ConnRequestBurst == 0 {
		cfg.ConnRequestBurst = 1
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("env")
		if name == "" {
			return f.Name
		}
		return strings.ToLower(name)
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return lderrors.NewConfig(fe.Field(), fmt.Errorf("value %v failed on the '%s' rule", fe.Value(), fe.Tag()))
	}
	return lderrors.NewConfig("", err)
}
