package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/logger"
	"github.com/flswld/gcalloc/mem"
)

var (
	// Global flags
	configPath string
	jsonOut    bool
	quiet      bool

	cfg *appConfig
)

var rootCmd = &cobra.Command{
	Use:   "gcallocctl",
	Short: "Exercise the collector backed allocator",
	Long: `gcallocctl drives the allocation bridge against a chosen collector
backend. It can run a short container workload and report collector
statistics, or hammer both allocator façades from many goroutines.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = c
		logger.InitLogger(cfg.loggerConfig())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.CloseLogger()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.String(flagBackend, gc.BackendGo, "Collector backend: go, static or bdwgc")
	flags.Uint64(flagStaticHeapSize, 0, "Heap size in bytes for the static backend")
	flags.Uint64(flagGoMaxBlock, 0, "Largest single request in bytes for the go backend, 0 for installed RAM")
	flags.Bool(flagFinalizeOnDemand, false, "Queue finalizers until they are invoked explicitly")
	flags.Bool(flagDebugLog, false, "Log collector lifecycle events")
	flags.String(flagLogLevel, "info", "Log level: debug, info, warn or error")
	flags.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openCollector creates the configured collector and tries to make it the
// process default. The returned release closes it unless it became the
// default, which lives until exit.
func openCollector(cfg *appConfig) (gc.Collector, func(), error) {
	c, err := gc.New(&cfg.GC)
	if err != nil {
		return nil, nil, err
	}
	if cfg.GC.FinalizeOnDemand {
		c.SetFinalizerNotifier(func() {
			logger.Debug("finalizers ready")
		})
	}
	err = mem.InstallDefault(c)
	if err == nil {
		logger.Info("default allocator installed, backend: %v", cfg.GC.Backend)
		return c, func() {}, nil
	}
	logger.Warn("default allocator kept, err: %v", err)
	return c, func() {
		if err := c.Close(); err != nil {
			logger.Error("close collector error: %v", err)
		}
	}, nil
}

func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
