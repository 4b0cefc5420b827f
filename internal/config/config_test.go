package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
)

const yamlConfig = `
http:
  backend: pooled
  retries: 2
  timeout_ms: 1500
  interval_ms: 3000
  entries:
    - url: https://example.com/health
      method: HEAD
    - url: http://example.org
tcp:
  timeout_ms: 500
  interval_ms: 1000
  entries:
    - host: db.internal
      port: 5432
      always_resolve: true
    - host: 10.0.0.1
      port: 22
icmp:
  privileged: true
  entries:
    - host: 192.0.2.1
      count: 5
metrics:
  port: 9200
dns_servers:
  - 1.1.1.1:53
measure_dns_stats: true
log:
  level: debug
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, "pooled", cfg.HTTP.Backend)
	assert.Equal(t, 2, cfg.HTTP.Retries)
	assert.Equal(t, 1500*time.Millisecond, cfg.HTTP.Timeout())
	assert.Equal(t, 3*time.Second, cfg.HTTP.Interval())
	assert.Equal(t, []protocol.HTTPTarget{
		{URL: "https://example.com/health", Method: "HEAD"},
		{URL: "http://example.org", Method: "GET"},
	}, cfg.HTTP.Entries)

	assert.Equal(t, DefaultRetries, cfg.TCP.Retries)
	assert.Equal(t, time.Second, cfg.TCP.Interval())
	assert.Equal(t, protocol.TCPTarget{Host: "db.internal", Port: 5432, AlwaysResolve: true}, cfg.TCP.Entries[0])

	require.NotNil(t, cfg.ICMP)
	assert.True(t, cfg.ICMP.Privileged)
	assert.Equal(t, 1, cfg.ICMP.Retries)
	assert.Equal(t, 3*time.Second, cfg.ICMP.Timeout())
	assert.Equal(t, 5, cfg.ICMP.Entries[0].Count)

	assert.Equal(t, "0.0.0.0:9200", cfg.MetricsAddr())
	assert.True(t, cfg.MeasureDNSStats)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts := cfg.ResolverOptions()
	assert.Equal(t, []string{"1.1.1.1:53"}, opts.Servers)
	assert.Equal(t, time.Second, opts.Timeout)
}

func TestParseJSONAndTOML(t *testing.T) {
	jsonConfig := `{
  "tcp": {"entries": [{"host": "example.com", "port": 443}]},
  "metrics": {"host": "::1", "port": 9300}
}`
	cfg, err := Parse([]byte(jsonConfig), "json")
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.TCP.Entries[0].Host)
	assert.Equal(t, "[::1]:9300", cfg.MetricsAddr())
	assert.Nil(t, cfg.ICMP)

	tomlConfig := `
shutdown_grace_ms = 2000

[http]
backend = "raw"

[[http.entries]]
url = "https://example.com"

[[tcp.entries]]
host = "example.com"
port = 80
`
	cfg, err = Parse([]byte(tomlConfig), ".toml")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", cfg.HTTP.Entries[0].URL)
	assert.Equal(t, "GET", cfg.HTTP.Entries[0].Method)
	assert.Equal(t, uint16(80), cfg.TCP.Entries[0].Port)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace())
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"), ".json")
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPBackend, cfg.HTTP.Backend)
	assert.Equal(t, DefaultRetries, cfg.HTTP.Retries)
	assert.Equal(t, 2*time.Second, cfg.HTTP.Timeout())
	assert.Equal(t, 10*time.Second, cfg.HTTP.Interval())
	assert.Equal(t, time.Second, cfg.TCP.Timeout())
	assert.Equal(t, 5*time.Second, cfg.TCP.Interval())
	assert.Equal(t, "0.0.0.0:9100", cfg.MetricsAddr())
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		ext  string
	}{
		{name: "interval less than timeout", data: `{"http": {"timeout_ms": 5000, "interval_ms": 1000}}`, ext: ".json"},
		{name: "unknown backend", data: `{"http": {"backend": "curl"}}`, ext: ".json"},
		{name: "negative retries", data: `{"tcp": {"retries": -1}}`, ext: ".json"},
		{name: "tcp entry without port", data: `{"tcp": {"entries": [{"host": "example.com"}]}}`, ext: ".json"},
		{name: "http entry without url", data: `{"http": {"entries": [{"method": "GET"}]}}`, ext: ".json"},
		{name: "bad dns server", data: `{"dns_servers": ["1.1.1.1"]}`, ext: ".json"},
		{name: "bad log level", data: `{"log": {"level": "trace"}}`, ext: ".json"},
		{name: "metrics port out of range", data: `{"metrics": {"port": 70000}}`, ext: ".json"},
		{name: "malformed yaml", data: "http: [", ext: ".yaml"},
		{name: "unsupported format", data: "", ext: ".ini"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsEveryClass(t *testing.T) {
	_, err := Parse([]byte(`{
  "http": {"timeout_ms": 5000, "interval_ms": 1000},
  "tcp": {"timeout_ms": 5000, "interval_ms": 1000}
}`), ".json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http: interval_ms (1000) must not be less than timeout_ms (5000)")
	assert.Contains(t, err.Error(), "tcp: interval_ms (1000) must not be less than timeout_ms (5000)")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.Path))
	assert.Len(t, cfg.HTTP.Entries, 2)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: a.test, port: 1}]}`), 0o644))

	var latest atomic.Pointer[Config]
	var reloads atomic.Int32
	w, err := NewWatcher(path, func(cfg *Config) {
		latest.Store(cfg)
		reloads.Add(1)
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// 校验失败的配置不会触发回调
	require.NoError(t, os.WriteFile(path, []byte(`http: {backend: curl}`), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Zero(t, reloads.Load())

	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: b.test, port: 2}]}`), 0o644))
	require.Eventually(t, func() bool { return reloads.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "b.test", latest.Load().TCP.Entries[0].Host)

	// 其他文件的变化不触发重新加载
	before := reloads.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Equal(t, before, reloads.Load())
}

func TestWatcherStopWaitsForRunningCallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: a.test, port: 1}]}`), 0o644))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	w, err := NewWatcher(path, func(cfg *Config) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: b.test, port: 2}]}`), 0o644))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("回调未被触发")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("回调仍在执行时 Stop 不应返回")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("回调结束后 Stop 应返回")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcherStopCancelsPendingReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: a.test, port: 1}]}`), 0o644))

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(cfg *Config) { reloads.Add(1) }, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`tcp: {entries: [{host: b.test, port: 2}]}`), 0o644))
	// 事件已进入去抖等待，但尚未触发
	time.Sleep(reloadDebounce / 5)
	w.Stop()

	time.Sleep(2 * reloadDebounce)
	assert.Zero(t, reloads.Load(), "停止后不应再触发回调")
}
