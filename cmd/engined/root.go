package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engined/internal/config"
	"engined/internal/httpapi"
	"engined/internal/observability"
)

// rootOptions holds the shared flags and what PersistentPreRunE derives from
// them.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

func buildRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "engined",
		Short:         "Engine core process: serves a front end over ZeroMQ",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", envStr("ENGINED_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", envStr("ENGINED_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&o.logFormat, "log-format", envStr("ENGINED_LOG_FORMAT", ""), "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return o.load()
	}

	root.AddCommand(
		buildRunCmd(o),
		buildActorCmd(o),
		buildSubmitCmd(o),
		buildVersionCmd(),
	)
	return root
}

// load reads the config file, if any, and builds the logger. Flag values
// override file values.
func (o *rootOptions) load() error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	o.cfg = cfg
	o.log = observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr).With().Str("service", "engined").Logger()
	httpapi.SetLogger(o.log)
	return nil
}
