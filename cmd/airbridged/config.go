package main

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func configCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if cfg.MQTT.Pass != "" {
				cfg.MQTT.Pass = "********"
			}
			if cfg.EmbeddedMQTT.Password != "" {
				cfg.EmbeddedMQTT.Password = "********"
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}
