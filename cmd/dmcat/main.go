// dmcat is the metadata catalog service and its administration CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dmcatalog/dmcat/internal/config"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	dataDir    string
	logLevel   string
	logFormat  string

	// set when the log flags were given explicitly and win over the config
	logLevelSet  bool
	logFormatSet bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "dmcat",
		Short: "dmcat - metadata catalog for business object data",
		Long: `dmcat tracks business object data versions stored in S3 and keeps the
catalog consistent with what is physically present in storage.

Examples:
  # Run the HTTP and gRPC API
  dmcat serve --config /etc/dmcat/config.yaml

  # Register data found in S3 but missing from the catalog as INVALID
  dmcat invalidate --namespace NS --definition DEF --usage PRC \
    --file-type TXT --format-version 1 --partition-value 2024-01-01 \
    --storage S3_MANAGED`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			flags.logLevelSet = cmd.Flags().Changed("log-level")
			flags.logFormatSet = cmd.Flags().Changed("log-format")
			setupLogging(flags.logLevel, flags.logFormat)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "base directory for all data files")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newInvalidateCmd(flags))
	rootCmd.AddCommand(newStorageCmd(flags))
	rootCmd.AddCommand(newFormatCmd(flags))
	rootCmd.AddCommand(newDataCmd(flags))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dmcat version %s (commit: %s)\n", Version, Commit)
		},
	})

	return rootCmd
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig layers the config file, DMCAT_* environment and flags.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}

	if flags.logLevelSet {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormatSet {
		cfg.Log.Format = flags.logFormat
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
