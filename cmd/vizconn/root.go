package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rebeliceyang/vizconn/internal/config"
	"github.com/rebeliceyang/vizconn/internal/log"
)

// cli carries state shared by the subcommands once the root has loaded the
// configuration
type cli struct {
	viper      *viper.Viper
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{viper: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "vizconn",
		Short: "Connection manager driven by a configuration source",
		Long: `vizconn keeps one connection per configuration entry, reconnecting when an
entry changes and disconnecting when it is removed.

Entries live in a section of a yaml file or a Redis hash and are encoded as
"host,port,path".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Config file (default: search the user config dir, . and ./config)")
	flags.String("log-file", "", "Write logs to this file instead of stderr")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("section", "", "Configuration section holding the connection entries")
	bindFlags(c.viper, flags, map[string]string{
		"log-file":  "general.log_file",
		"log-level": "general.log_level",
		"section":   "general.section",
	})

	rootCmd.AddCommand(c.watchCmd())
	rootCmd.AddCommand(c.listCmd())
	rootCmd.AddCommand(c.setCmd())
	rootCmd.AddCommand(c.unsetCmd())
	rootCmd.AddCommand(c.historyCmd())

	return rootCmd
}

// bindFlags maps flag names onto config keys
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func (c *cli) load() error {
	cfg, err := config.LoadViper(c.viper, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	if err := log.SetLevel(cfg.General.LogLevel); err != nil {
		return err
	}
	if cfg.General.LogFile != "" {
		if err := log.SetFileOutput(cfg.General.LogFile); err != nil {
			return err
		}
	}
	return nil
}
