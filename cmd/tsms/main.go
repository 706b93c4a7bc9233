package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	v, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "tsms",
		Short:         "Transaction intake, validation and forwarding service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.String("port", "8080", "HTTP listen port")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("database-url", "sqlite://tsms.db", "postgres://... or sqlite://path")
	flags.String("redis-addr", "", "Redis address for shared counters, job locks and events")
	if err := bindFlags(v, flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	load := func() (*config.Config, error) {
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
		return config.Load(v)
	}

	root.AddCommand(
		serveCmd(load),
		migrateCmd(load),
		dispatchCmd(load),
		retryCmd(load),
		healthCmd(load),
		cleanupCmd(load),
	)
	return root
}

// bindFlags lets command-line flags override file and environment values.
// Only flags the user actually set take precedence.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, name := range []string{"port", "log-level", "database-url", "redis-addr"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
