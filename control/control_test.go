package control

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rtp/api"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtp.toml")
	writeFile(t, path, `
workers = 4
listen_addr = "127.0.0.1:8554"
rtp_dest = "10.0.0.2:5004"
age_limit = "750ms"
max_retransmit_delay = "5s"
slow_start = false
log_format = "json"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "127.0.0.1:8554", cfg.ListenAddr)
	assert.Equal(t, 750*time.Millisecond, cfg.AgeLimit.Duration)
	assert.Equal(t, 5*time.Second, cfg.MaxRetransmitDelay.Duration)
	assert.False(t, cfg.SlowStart)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, DefaultConfig().MSS, cfg.MSS, "unset keys keep defaults")
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtp.toml")
	writeFile(t, path, "wrokers = 4\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrCodeInvalidArgument, apiErr.Code)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]func(*Config){
		"negative workers": func(c *Config) { c.Workers = -1 },
		"listen addr":      func(c *Config) { c.ListenAddr = "nowhere" },
		"rtp dest":         func(c *Config) { c.RTPDest = "10.0.0.1" },
		"window order":     func(c *Config) { c.MaxWindow = c.InitialWindow - 1 },
		"retransmit delay": func(c *Config) { c.MaxRetransmitDelay.Duration = 0 },
		"resend entries":   func(c *Config) { c.ResendMaxEntries = 8 },
		"log level":        func(c *Config) { c.LogLevel = "chatty" },
		"log format":       func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigStore_NotifiesOnlyChangedKeys(t *testing.T) {
	cs := NewConfigStore(DefaultConfig().Values())
	var got []map[string]any
	cs.OnReload(func(changed map[string]any) { got = append(got, changed) })

	cs.SetConfig(DefaultConfig().Values())
	assert.Empty(t, got, "identical values are not a change")

	cs.SetConfig(map[string]any{"max_connections": 5, "log_level": "info"})
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"max_connections": 5}, got[0])
	assert.Equal(t, 5, cs.GetInt("max_connections", 0))
	assert.Equal(t, "info", cs.GetString("log_level", ""))
	assert.Equal(t, 2*time.Minute, cs.GetDuration("idle_timeout", 0))
	assert.Equal(t, 7, cs.GetInt("missing", 7))
}

func TestConfigStore_ListenersRunInOrderOutsideLock(t *testing.T) {
	cs := NewConfigStore(nil)
	var order []string
	cs.OnReload(func(map[string]any) {
		order = append(order, "first")
		// registering from a listener must not deadlock, and the new
		// listener only sees later reloads
		cs.OnReload(func(map[string]any) { order = append(order, "late") })
	})
	cs.OnReload(func(changed map[string]any) {
		order = append(order, "second")
		_, ok := cs.Get("k")
		assert.True(t, ok)
	})

	cs.SetConfig(map[string]any{"k": 1})
	assert.Equal(t, []string{"first", "second"}, order)

	order = nil
	cs.SetConfig(map[string]any{"k": 2})
	assert.Equal(t, []string{"first", "second", "late"}, order)
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtp.toml")
	writeFile(t, path, "max_connections = 10\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cs := NewConfigStore(cfg.Values())
	var seen atomic.Int64
	cs.OnReload(func(changed map[string]any) {
		if n, ok := changed["max_connections"].(int); ok {
			seen.Store(int64(n))
		}
	})

	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchConfig(ctx, path, cs, log) }()

	require.Eventually(t, func() bool {
		writeFile(t, path, "max_connections = 42\n")
		return seen.Load() == 42
	}, 3*time.Second, 50*time.Millisecond)

	tmp := path + ".new"
	writeFile(t, tmp, "max_connections = -3\n")
	require.NoError(t, os.Rename(tmp, path))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 42, cs.GetInt("max_connections", 0), "invalid file is rejected")

	cancel()
	require.NoError(t, <-done)
}

func TestBindLogLevel(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	cs := NewConfigStore(map[string]any{"log_level": "info"})
	BindLogLevel(cs, l)

	cs.SetConfig(map[string]any{"log_level": "debug"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	cs.SetConfig(map[string]any{"log_level": "bogus"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestMetricsRegistry(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Add("acks", 2)
	mr.Add("acks", 3)
	mr.SetAll("pool", map[string]int64{"tasks_run": 9})
	mr.Set("listen", "127.0.0.1:1")

	snap := mr.GetSnapshot()
	assert.Equal(t, int64(5), snap["acks"])
	assert.Equal(t, int64(9), snap["pool.tasks_run"])
	assert.Equal(t, "127.0.0.1:1", snap["listen"])
	assert.False(t, mr.Updated().IsZero())
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("broken", func() any { panic("boom") })

	state := dp.DumpState()
	assert.Contains(t, state, "platform.cpus")
	assert.Equal(t, "probe panic: boom", state["broken"])
	assert.Equal(t, "broken", dp.Names()[0])
}
