package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the homehub daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New()
		if err != nil {
			return err
		}
		return d.Serve(context.Background())
	},
}
