package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mikeyg42/replaycap/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "replaycap",
		Short:         "Capture, encode and record audio/video",
		Long:          `replaycap runs a capture source through the encoder and writes recordings in direct mode, or keeps a replay window in memory that is written out on demand.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format (json, console)")

	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newRecordingsCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newSecretCommand())
	return cmd
}

// loadConfig resolves defaults, the config file, REPLAYCAP_* env vars and
// changed flags, in increasing priority.
func loadConfig(opts *RootOptions, cmd *cobra.Command, bind map[string]string) (*config.Config, error) {
	v := config.NewViper()
	if opts.ConfigPath != "" {
		v.SetConfigFile(opts.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigPath, err)
		}
	}
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}
	if opts.LogFormat != "" {
		v.Set("log.format", opts.LogFormat)
	}
	if err := bindFlags(v, cmd, bind); err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bind map[string]string) error {
	for key, name := range bind {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
