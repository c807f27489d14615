package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/sessionlog"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known conversation sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dataDir := config.ExpandHome(cfg.State.DataDir)
			log, err := sessionlog.New(filepath.Join(dataDir, "sessions"))
			if err != nil {
				return fmt.Errorf("session log: %w", err)
			}
			infos, err := log.List()
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Println("no sessions yet")
				return nil
			}
			for _, info := range infos {
				last := time.UnixMilli(info.LastActivity).Local().Format(time.RFC3339)
				fmt.Printf("%-60s  %4d msgs  last %s\n", info.Key, info.MessageCount, last)
			}
			return nil
		},
	}
}
