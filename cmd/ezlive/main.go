// EzLive Server
//
// Serves a directory over HTTP and reloads connected browsers when files
// in it change.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Abooow/EzLiveServer/internal/config"
)

type flags struct {
	configFile   string
	dir          string
	host         string
	port         int
	logLevel     string
	logFormat    string
	metricsAddr  string
	injectFile   string
	notFoundFile string
}

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		os.Exit(1)
	}
}

// runFunc starts the server with the final configuration.
type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCmd(runner runFunc) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "ezlive",
		Short: "Serve a directory with live reload",
		Long: `Serve a directory over HTTP and reload connected browsers when
files in it change.

Examples:
  ezlive -d ./site
  ezlive -d ./site -p 8080 --host 0.0.0.0
  ezlive --config ezlive.yaml --metrics-addr :9090`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return runner(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "YAML config file (default $"+config.FileEnv+")")
	fl.StringVarP(&f.dir, "dir", "d", "", "Directory to serve")
	fl.StringVar(&f.host, "host", "", "Host to bind (default localhost)")
	fl.IntVarP(&f.port, "port", "p", 0, "Port to bind, 0 picks a free one")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "", "Log format: console or json")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fl.StringVar(&f.injectFile, "inject-file", "", "HTML snippet injected into pages instead of the built-in client")
	fl.StringVar(&f.notFoundFile, "not-found-file", "", "404 page template")

	return cmd
}

// loadConfig layers the flags that were set on top of the loaded config.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}

	fl := cmd.Flags()
	if fl.Changed("dir") {
		cfg.Dir = f.dir
	}
	if fl.Changed("host") {
		cfg.Host = f.host
	}
	if fl.Changed("port") {
		cfg.Port = f.port
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if fl.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if fl.Changed("inject-file") {
		cfg.InjectFile = f.injectFile
	}
	if fl.Changed("not-found-file") {
		cfg.NotFoundFile = f.notFoundFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
