package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"mailtriage/internal/inference"
	"mailtriage/internal/mail"
	"mailtriage/internal/pipeline"
	"mailtriage/pkg/config"
	"mailtriage/pkg/queue"
	"mailtriage/pkg/retry"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type QueueConfig struct {
	// memory 仅用于本地开发，进程重启后任务丢失
	Driver         string `yaml:"driver"`
	Prefix         string `yaml:"prefix"`
	DedupTTLHours  int    `yaml:"dedup_ttl_hours"`
	LockDurationMs int    `yaml:"lock_duration_ms"`
	// 0 关闭续期，此时 job_timeout_ms 必须小于 lock_duration_ms
	LockRenewMs    int    `yaml:"lock_renew_ms"`
	KeepFailed     int    `yaml:"keep_failed"`
}

type ConcurrencyConfig struct {
	Fetch    int `yaml:"fetch"`
	Analysis int `yaml:"analysis"`
	Response int `yaml:"response"`
}

type PipelineConfig struct {
	FetchIntervalMs    int64             `yaml:"fetch_interval_ms"`
	FetchPattern       string            `yaml:"fetch_pattern"`
	MaxResults         int64             `yaml:"max_results"`
	Attempts           int               `yaml:"attempts"`
	BackoffMs          int64             `yaml:"backoff_ms"`
	Concurrency        ConcurrencyConfig `yaml:"concurrency"`
	PollIntervalMs     int64             `yaml:"poll_interval_ms"`
	MaintainIntervalMs int64             `yaml:"maintain_interval_ms"`
	JobTimeoutMs       int64             `yaml:"job_timeout_ms"`
	FetchFailureWarn   int64             `yaml:"fetch_failure_warn"`
}

type GmailConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int64  `yaml:"timeout_ms"`
}

type InferenceConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int64  `yaml:"timeout_ms"`
}

// FailuresConfig 控制终态失败写到哪里，日志始终记录
type FailuresConfig struct {
	Postgres bool `yaml:"postgres"`
	DLQ      bool `yaml:"dlq"`
}

type Config struct {
	Log       config.LogConfig    `yaml:"log"`
	Server    config.ServerConfig `yaml:"server"`
	Redis     config.RedisConfig  `yaml:"redis"`
	DB        config.DBConfig     `yaml:"db"`
	MQ        config.MQConfig     `yaml:"mq"`
	JWT       config.JWTConfig    `yaml:"jwt"`
	Otel      config.OtelConfig   `yaml:"otel"`
	Queue     QueueConfig         `yaml:"queue"`
	Pipeline  PipelineConfig      `yaml:"pipeline"`
	Gmail     GmailConfig         `yaml:"gmail"`
	Inference InferenceConfig     `yaml:"inference"`
	Failures  FailuresConfig      `yaml:"failures"`
}

// Default mirrors config/base.yaml so a missing key never means zero.
func Default() Config {
	d := pipeline.DefaultConfig()
	return Config{
		Log:    config.LogConfig{Level: "info"},
		Server: config.ServerConfig{Port: "8080"},
		Redis:  config.RedisConfig{Addr: "localhost:6379"},
		MQ:     config.MQConfig{FailureExchange: "triage.failed"},
		Otel:   config.OtelConfig{ServiceName: "mailtriage"},
		Queue: QueueConfig{
			Driver:         DriverRedis,
			Prefix:         "triage",
			DedupTTLHours:  int(queue.DefaultDedupTTL / time.Hour),
			LockDurationMs: int(queue.DefaultLockDuration / time.Millisecond),
			LockRenewMs:    int(queue.DefaultLockRenewInterval / time.Millisecond),
			KeepFailed:     queue.DefaultKeepFailed,
		},
		Pipeline: PipelineConfig{
			FetchIntervalMs:    d.FetchInterval.Milliseconds(),
			MaxResults:         d.MaxResults,
			Attempts:           d.StageRetry.MaxAttempts,
			BackoffMs:          d.StageRetry.Backoff.Base.Milliseconds(),
			Concurrency:        ConcurrencyConfig{Fetch: d.Fetch.Concurrency, Analysis: d.Analysis.Concurrency, Response: d.Response.Concurrency},
			PollIntervalMs:     d.PollInterval.Milliseconds(),
			MaintainIntervalMs: d.MaintainInterval.Milliseconds(),
			JobTimeoutMs:       d.JobTimeout.Milliseconds(),
			FetchFailureWarn:   d.FetchFailureWarnThreshold,
		},
		Gmail:     GmailConfig{TimeoutMs: 30000},
		Inference: InferenceConfig{Model: inference.DefaultModel, TimeoutMs: inference.DefaultTimeout.Milliseconds()},
	}
}

// Load 使用统一配置中心：base.yaml + <CONFIG_ENV>.yaml + secrets.env，再由环境变量覆盖
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideLogFromEnv(&cfg.Log)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideOtelFromEnv(&cfg.Otel)
	overridePipelineFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overridePipelineFromEnv(cfg *Config) {
	if v := os.Getenv("EMAIL_FETCH_INTERVAL"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Pipeline.FetchIntervalMs = ms
		}
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.Inference.Model = v
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.FetchPattern == "" && p.FetchIntervalMs < pipeline.MinFetchInterval.Milliseconds() {
		errs = append(errs, fmt.Errorf("pipeline.fetch_interval_ms must be >= %d, got %d",
			pipeline.MinFetchInterval.Milliseconds(), p.FetchIntervalMs))
	}
	if p.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_results must be positive, got %d", p.MaxResults))
	}
	if p.Attempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.attempts must be positive, got %d", p.Attempts))
	}
	if p.BackoffMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.backoff_ms must not be negative, got %d", p.BackoffMs))
	}
	if p.Concurrency.Fetch < 1 || p.Concurrency.Analysis < 1 || p.Concurrency.Response < 1 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency values must be positive, got %+v", p.Concurrency))
	}
	switch c.Queue.Driver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("queue.driver must be %q or %q, got %q", DriverMemory, DriverRedis, c.Queue.Driver))
	}
	errs = append(errs, c.validateLock()...)
	return errors.Join(errs...)
}

// validateLock 保证执行中的 job 不会因锁过期被当成 stalled 再次投递
func (c *Config) validateLock() []error {
	q := c.Queue
	if q.LockDurationMs <= 0 {
		return []error{fmt.Errorf("queue.lock_duration_ms must be positive, got %d", q.LockDurationMs)}
	}
	switch {
	case q.LockRenewMs < 0:
		return []error{fmt.Errorf("queue.lock_renew_ms must not be negative, got %d", q.LockRenewMs)}
	case q.LockRenewMs >= q.LockDurationMs:
		return []error{fmt.Errorf("queue.lock_renew_ms (%d) must be below queue.lock_duration_ms (%d)",
			q.LockRenewMs, q.LockDurationMs)}
	case q.LockRenewMs == 0 && (c.Pipeline.JobTimeoutMs <= 0 || c.Pipeline.JobTimeoutMs >= int64(q.LockDurationMs)):
		return []error{fmt.Errorf("pipeline.job_timeout_ms (%d) must be below queue.lock_duration_ms (%d) when lock renewal is off",
			c.Pipeline.JobTimeoutMs, q.LockDurationMs)}
	}
	return nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// PipelineConfig converts the YAML view into pipeline.Config.
func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		FetchInterval: ms(p.FetchIntervalMs),
		FetchPattern:  p.FetchPattern,
		MaxResults:    p.MaxResults,
		StageRetry: retry.Policy{
			MaxAttempts: p.Attempts,
			Backoff:     retry.Exponential(ms(p.BackoffMs)),
		},
		Fetch:                     pipeline.StageConfig{Concurrency: p.Concurrency.Fetch},
		Analysis:                  pipeline.StageConfig{Concurrency: p.Concurrency.Analysis},
		Response:                  pipeline.StageConfig{Concurrency: p.Concurrency.Response},
		PollInterval:              ms(p.PollIntervalMs),
		MaintainInterval:          ms(p.MaintainIntervalMs),
		JobTimeout:                ms(p.JobTimeoutMs),
		LockRenewInterval:         ms(int64(c.Queue.LockRenewMs)),
		FetchFailureWarnThreshold: p.FetchFailureWarn,
	}
}

func (c *Config) RedisOptions() queue.RedisOptions {
	return queue.RedisOptions{
		Prefix:       c.Queue.Prefix,
		DedupTTL:     time.Duration(c.Queue.DedupTTLHours) * time.Hour,
		LockDuration: ms(int64(c.Queue.LockDurationMs)),
		KeepFailed:   c.Queue.KeepFailed,
	}
}

func (c *Config) GmailConfig() mail.Config {
	cfg := mail.DefaultConfig()
	cfg.Endpoint = c.Gmail.Endpoint
	if c.Gmail.TimeoutMs > 0 {
		cfg.Timeout = ms(c.Gmail.TimeoutMs)
	}
	return cfg
}

func (c *Config) InferenceConfig() inference.Config {
	return inference.Config{
		APIKey:  c.Inference.APIKey,
		Model:   c.Inference.Model,
		BaseURL: c.Inference.BaseURL,
		Timeout: ms(c.Inference.TimeoutMs),
	}
}
