// Package config parses the replication instance's own settings: the
// global batch, timeout, and polling knobs that apply to every
// destination. Individual destinations themselves are not configured
// here — they are read from storage, not the config file (see
// replication.DestinationRegistry).
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/corviddb/corvid/internal/corvidlog"
)

// ReplicationConfig holds the operator-tunable knobs for the replication
// engine, parsed from a YAML config file.
type ReplicationConfig struct {
	// OurURL is the storage engine's own public URL, consumed by openStore
	// when it provisions the backend; once running, components that need
	// to identify themselves to a peer use store.Store.ServerURL()
	// instead, so this stays the storage engine's value of record.
	OurURL            string
	LogLevel          corvidlog.Level
	HTTPTimeout       time.Duration
	DataDrivenTimeout time.Duration
	IdleTimeout       time.Duration
	RetryInterval     time.Duration
	RetryBackoffCoeff int
	MetricsListenAddr string
}

// defaults mirror the spec's stated defaults (§4.8): 60s HTTP timeout,
// 30s data-driven wait, 5m idle wait.
func defaults() ReplicationConfig {
	return ReplicationConfig{
		LogLevel:          corvidlog.INFO,
		HTTPTimeout:       60 * time.Second,
		DataDrivenTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		RetryInterval:     time.Second,
		RetryBackoffCoeff: 2,
		MetricsListenAddr: ":9090",
	}
}

// Parse decodes a YAML document into a ReplicationConfig, following the
// aux-struct pattern: raw, loosely-typed fields are decoded first and
// then validated/converted into their final typed form.
func Parse(data []byte) (ReplicationConfig, error) {
	cfg := defaults()

	var aux struct {
		OurURL            string `yaml:"our_url"`
		LogLevel          string `yaml:"log_level"`
		HTTPTimeoutSec    int    `yaml:"http_timeout_seconds"`
		DataDrivenWaitSec int    `yaml:"data_driven_wait_seconds"`
		IdleWaitSec       int    `yaml:"idle_wait_seconds"`
		RetryIntervalMs   int    `yaml:"retry_interval_ms"`
		RetryBackoffCoeff string `yaml:"retry_backoff_coefficient"`
		MetricsListenAddr string `yaml:"metrics_listen_addr"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return cfg, errors.Wrap(err, "failed to parse replication config")
	}

	if aux.OurURL == "" {
		return cfg, errors.New("our_url is required")
	}
	cfg.OurURL = aux.OurURL

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			cfg.LogLevel = corvidlog.FATAL
		case "error":
			cfg.LogLevel = corvidlog.ERROR
		case "warning", "warn":
			cfg.LogLevel = corvidlog.WARNING
		case "debug":
			cfg.LogLevel = corvidlog.DEBUG
		case "info":
			cfg.LogLevel = corvidlog.INFO
		default:
			corvidlog.Warn("unrecognized log_level %q, defaulting to info", aux.LogLevel)
		}
	}

	if aux.HTTPTimeoutSec > 0 {
		cfg.HTTPTimeout = time.Duration(aux.HTTPTimeoutSec) * time.Second
	}
	if aux.DataDrivenWaitSec > 0 {
		cfg.DataDrivenTimeout = time.Duration(aux.DataDrivenWaitSec) * time.Second
	}
	if aux.IdleWaitSec > 0 {
		cfg.IdleTimeout = time.Duration(aux.IdleWaitSec) * time.Second
	}
	if aux.RetryIntervalMs > 0 {
		cfg.RetryInterval = time.Duration(aux.RetryIntervalMs) * time.Millisecond
	}
	if aux.RetryBackoffCoeff != "" {
		coeff, err := strconv.Atoi(aux.RetryBackoffCoeff)
		if err != nil {
			corvidlog.Warn("invalid retry_backoff_coefficient %q, keeping default of %d", aux.RetryBackoffCoeff, cfg.RetryBackoffCoeff)
		} else {
			cfg.RetryBackoffCoeff = coeff
		}
	}
	if aux.MetricsListenAddr != "" {
		cfg.MetricsListenAddr = aux.MetricsListenAddr
	}

	return cfg, nil
}
