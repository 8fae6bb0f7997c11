package cli

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/daemon"
)

var configInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return err
		}
		if configInit {
			if err := daemon.SaveConfig(cfg); err != nil {
				return err
			}
			fmt.Println("wrote", daemon.Home()+"/config.toml")
			return nil
		}
		enc := toml.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(cfg)
	},
}

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "write the effective config to disk")
}
