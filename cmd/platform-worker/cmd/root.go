package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/platform-worker/internal/config"
)

// v holds settings from flags and environment; there is no config file.
var v *viper.Viper

// rootCmd represents the base command. Without a subcommand it runs the worker.
var rootCmd = &cobra.Command{
	Use:   "platform-worker",
	Short: "Background worker with an isolated liveness endpoint",
	Long: `platform-worker runs a periodic work loop and, on a separate listener,
answers liveness probes at GET /health. Settings come from flags or
PLATFORM_WORKER_* environment variables; the region is read from AWS_REGION.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWorker,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	var err error
	if v, err = config.NewViper(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	flags := rootCmd.PersistentFlags()
	flags.String("service-name", config.DefaultServiceName, "service name reported by /health")
	flags.String("region", config.UnknownRegion, "deployment region (default from AWS_REGION)")
	flags.String("health-addr", config.DefaultHealthAddr, "liveness listener address")
	flags.String("metrics-addr", config.DefaultMetricsAddr, "Prometheus listener address (empty disables)")
	flags.Duration("interval", config.DefaultInterval, "time between work loop iterations")
	flags.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "upper bound for graceful shutdown")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Bool("tracing-enabled", false, "export OpenTelemetry traces over OTLP/HTTP")
	flags.String("tracing-endpoint", config.DefaultOTLPEndpoint, "OTLP/HTTP collector URL")

	if err := config.BindFlags(v, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding flags: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves flags and environment into a validated Config
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
