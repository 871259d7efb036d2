package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/logger"
)

const (
	flagBackend          = "backend"
	flagStaticHeapSize   = "static-heap-size"
	flagGoMaxBlock       = "go-max-block"
	flagFinalizeOnDemand = "finalize-on-demand"
	flagDebugLog         = "debug-log"
	flagLogLevel         = "log-level"
)

type appConfig struct {
	GC  gc.Config `yaml:"gc"`
	Log logConfig `yaml:"log"`
}

type logConfig struct {
	Level       string `yaml:"level"`        // 日志等级
	TrackLine   bool   `yaml:"track_line"`   // 打印代码行
	TrackThread bool   `yaml:"track_thread"` // 打印协程和线程id
	NoColor     bool   `yaml:"no_color"`     // 禁用颜色
}

func defaultConfig() *appConfig {
	return &appConfig{
		GC: gc.Config{
			Backend: gc.BackendGo,
		},
		Log: logConfig{
			Level:     "info",
			TrackLine: true,
		},
	}
}

// loadConfig reads path when it is set, then lets every flag the user
// changed on the command line override the file.
func loadConfig(path string, flags *pflag.FlagSet) (*appConfig, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if flags == nil {
		return cfg, nil
	}
	var err error
	if flags.Changed(flagBackend) {
		cfg.GC.Backend, err = flags.GetString(flagBackend)
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed(flagStaticHeapSize) {
		cfg.GC.StaticHeapSize, err = flags.GetUint64(flagStaticHeapSize)
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed(flagGoMaxBlock) {
		cfg.GC.GoMaxBlock, err = flags.GetUint64(flagGoMaxBlock)
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed(flagFinalizeOnDemand) {
		cfg.GC.FinalizeOnDemand, err = flags.GetBool(flagFinalizeOnDemand)
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed(flagDebugLog) {
		cfg.GC.DebugLog, err = flags.GetBool(flagDebugLog)
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed(flagLogLevel) {
		cfg.Log.Level, err = flags.GetString(flagLogLevel)
		if err != nil {
			return nil, err
		}
	}
	switch cfg.GC.Backend {
	case "", gc.BackendGo, gc.BackendStatic, gc.BackendBoehm:
	default:
		return nil, fmt.Errorf("%w: %q", gc.ErrUnknownBackend, cfg.GC.Backend)
	}
	return cfg, nil
}

func (c *appConfig) loggerConfig() *logger.Config {
	return &logger.Config{
		AppName:      "gcallocctl",
		Level:        logger.ParseLevel(c.Log.Level),
		TrackLine:    c.Log.TrackLine,
		TrackThread:  c.Log.TrackThread,
		DisableColor: c.Log.NoColor,
	}
}
