package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marrow-labs/homegate/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/marrow-labs/homegate/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "homegate",
	Short: "homegate — a personal AI assistant gateway",
	Long:  "homegate runs a single-owner AI assistant behind one or more messaging channels: a serialized request queue in front of your chosen model provider, a proactive heartbeat, a cron scheduler, and a small in-band command vocabulary for steering it from chat itself.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $HOMEGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(codingCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("homegate %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("HOMEGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
