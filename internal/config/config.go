package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dushixiang/pinger/internal/protocol"
	"github.com/dushixiang/pinger/internal/resolver"
)

const (
	DefaultMetricsHost     = "0.0.0.0"
	DefaultMetricsPort     = 9100
	DefaultRetries         = 3
	DefaultDNSTimeoutMs    = 1000
	DefaultShutdownGraceMs = 5000
	DefaultHTTPBackend     = "raw"
)

// Config 探测器配置
type Config struct {
	Path string `json:"-" yaml:"-" toml:"-"` // 配置文件路径

	HTTP    HTTPConfig    `json:"http" yaml:"http" toml:"http"`
	TCP     TCPConfig     `json:"tcp" yaml:"tcp" toml:"tcp"`
	ICMP    *ICMPConfig   `json:"icmp" yaml:"icmp" toml:"icmp"` // 可选
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`

	DNSTimeoutMs    int      `json:"dns_timeout_ms" yaml:"dns_timeout_ms" toml:"dns_timeout_ms" validate:"gte=0"`
	MeasureDNSStats bool     `json:"measure_dns_stats" yaml:"measure_dns_stats" toml:"measure_dns_stats"`
	DNSServers      []string `json:"dns_servers" yaml:"dns_servers" toml:"dns_servers" validate:"dive,hostname_port"`
	DNSCacheSize    int      `json:"dns_cache_size" yaml:"dns_cache_size" toml:"dns_cache_size" validate:"gte=0"`
	DNSConcurrency  int      `json:"dns_concurrency" yaml:"dns_concurrency" toml:"dns_concurrency" validate:"gte=0"`

	ShutdownGraceMs int       `json:"shutdown_grace_ms" yaml:"shutdown_grace_ms" toml:"shutdown_grace_ms" validate:"gte=0"`
	WatchConfig     bool      `json:"watch_config" yaml:"watch_config" toml:"watch_config"`
	Log             LogConfig `json:"log" yaml:"log" toml:"log"`
}

// HTTPConfig HTTP 探测配置
type HTTPConfig struct {
	Backend    string                `json:"backend" yaml:"backend" toml:"backend" validate:"oneof=raw pooled"`
	Retries    int                   `json:"retries" yaml:"retries" toml:"retries" validate:"gte=1"`
	TimeoutMs  int                   `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0"`
	IntervalMs int                   `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms" validate:"gt=0"`
	Entries    []protocol.HTTPTarget `json:"entries" yaml:"entries" toml:"entries" validate:"dive"`
}

// TCPConfig TCP 探测配置
type TCPConfig struct {
	Retries    int                  `json:"retries" yaml:"retries" toml:"retries" validate:"gte=1"`
	TimeoutMs  int                  `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0"`
	IntervalMs int                  `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms" validate:"gt=0"`
	Entries    []protocol.TCPTarget `json:"entries" yaml:"entries" toml:"entries" validate:"dive"`
}

// ICMPConfig ICMP 探测配置
type ICMPConfig struct {
	Retries    int                   `json:"retries" yaml:"retries" toml:"retries" validate:"gte=1"`
	TimeoutMs  int                   `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0"`
	IntervalMs int                   `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms" validate:"gt=0"`
	Privileged bool                  `json:"privileged" yaml:"privileged" toml:"privileged"`
	Entries    []protocol.ICMPTarget `json:"entries" yaml:"entries" toml:"entries" validate:"dive"`
}

// MetricsConfig 指标服务配置
type MetricsConfig struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port" validate:"min=1,max=65535"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSize    int    `json:"max_size" yaml:"max_size" toml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAge     int    `json:"max_age" yaml:"max_age" toml:"max_age"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load 加载配置文件，格式由扩展名决定（.yaml/.yml/.toml/.json）
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.Path = abs
	} else {
		cfg.Path = path
	}
	return cfg, nil
}

// Parse 按格式解析配置内容，填充默认值并校验
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &cfg)
	case "toml":
		err = toml.Unmarshal(data, &cfg)
	case "json":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Backend == "" {
		c.HTTP.Backend = DefaultHTTPBackend
	}
	if c.HTTP.Retries == 0 {
		c.HTTP.Retries = DefaultRetries
	}
	defaultInt(&c.HTTP.TimeoutMs, 2000)
	defaultInt(&c.HTTP.IntervalMs, 10000)
	if c.TCP.Retries == 0 {
		c.TCP.Retries = DefaultRetries
	}
	defaultInt(&c.TCP.TimeoutMs, 1000)
	defaultInt(&c.TCP.IntervalMs, 5000)
	if c.ICMP != nil {
		defaultInt(&c.ICMP.Retries, 1)
		defaultInt(&c.ICMP.TimeoutMs, 3000)
		defaultInt(&c.ICMP.IntervalMs, 10000)
	}
	for i := range c.HTTP.Entries {
		if c.HTTP.Entries[i].Method == "" {
			c.HTTP.Entries[i].Method = "GET"
		}
	}
	if c.Metrics.Host == "" {
		c.Metrics.Host = DefaultMetricsHost
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.DNSTimeoutMs == 0 {
		c.DNSTimeoutMs = DefaultDNSTimeoutMs
	}
	if c.ShutdownGraceMs == 0 {
		c.ShutdownGraceMs = DefaultShutdownGraceMs
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 校验配置；探测间隔不能小于超时时间，否则同一目标的周期会相互重叠
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	var errs []error
	check := func(class string, timeoutMs, intervalMs int) {
		if intervalMs < timeoutMs {
			errs = append(errs, fmt.Errorf("%s: interval_ms (%d) must not be less than timeout_ms (%d)", class, intervalMs, timeoutMs))
		}
	}
	check("http", c.HTTP.TimeoutMs, c.HTTP.IntervalMs)
	check("tcp", c.TCP.TimeoutMs, c.TCP.IntervalMs)
	if c.ICMP != nil {
		check("icmp", c.ICMP.TimeoutMs, c.ICMP.IntervalMs)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

// ResolverOptions 解析器配置
func (c *Config) ResolverOptions() resolver.Options {
	return resolver.Options{
		CacheSize:     c.DNSCacheSize,
		MaxConcurrent: c.DNSConcurrency,
		Timeout:       ms(c.DNSTimeoutMs),
		Servers:       c.DNSServers,
	}
}

// ShutdownGrace 停止时等待运行中探测的最长时间
func (c *Config) ShutdownGrace() time.Duration {
	return ms(c.ShutdownGraceMs)
}

// MetricsAddr 指标服务监听地址
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(c.Metrics.Host, strconv.Itoa(c.Metrics.Port))
}

func (c HTTPConfig) Timeout() time.Duration  { return ms(c.TimeoutMs) }
func (c HTTPConfig) Interval() time.Duration { return ms(c.IntervalMs) }
func (c TCPConfig) Timeout() time.Duration   { return ms(c.TimeoutMs) }
func (c TCPConfig) Interval() time.Duration  { return ms(c.IntervalMs) }
func (c ICMPConfig) Timeout() time.Duration  { return ms(c.TimeoutMs) }
func (c ICMPConfig) Interval() time.Duration { return ms(c.IntervalMs) }

func defaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
