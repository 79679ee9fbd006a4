// Package pgrelay implements the pgrelay command line.
package pgrelay

import (
	"fmt"
	"os"
	"strings"

	"github.com/edgeflare/pgrelay/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time:
//
//	go build -ldflags "-X github.com/edgeflare/pgrelay/cmd/pgrelay.Version=v0.1.0"
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   = zap.NewNop()
	v        = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "pgrelay",
	Short: "pgrelay relays PostgreSQL change notifications to WebSocket clients",
	Long: `pgrelay listens for PostgreSQL NOTIFY messages emitted by table triggers and
delivers them, filtered per subscription, to connected WebSocket clients.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		}
		return cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	_ = logger.Sync()
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgrelay.yaml or ./pgrelay.yaml)")
	f.StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	f.StringP("postgres.connString", "c", "", "PostgreSQL connection string (env DATABASE_URL)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	_ = v.BindPFlag("postgres.connString", f.Lookup("postgres.connString"))
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	if logger, err = newLogger(logLevel); err != nil {
		return err
	}
	if cfg, err = config.Decode(v, cfgFile); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("using config file", zap.String("path", used))
	}
	return nil
}

// newLogger builds the process logger. debug selects the development encoder.
func newLogger(level string) (*zap.Logger, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "none", "off":
		return zap.NewNop(), nil
	case "debug":
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
