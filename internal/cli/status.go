package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's subsystem states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return err
		}
		url := fmt.Sprintf("http://%s:%d/api/status", cfg.API.Host, cfg.API.Port)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", url, err)
		}
		defer resp.Body.Close()

		var body struct {
			Subsystems []struct {
				Name  string `json:"name"`
				State string `json:"state"`
			} `json:"subsystems"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		for _, s := range body.Subsystems {
			fmt.Printf("%-14s %s\n", s.Name, s.State)
		}
		return nil
	},
}
