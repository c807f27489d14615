package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marrow-labs/homegate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively configure a provider API key and gateway basics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks the operator through the minimum config needed to start:
// one provider API key (only when none is configured yet), the gateway bind
// port, and the timezone. It starts from the existing config file when that
// loads, else from config.Default(); everything else keeps those values,
// editable later via the `config` file or HOMEGATE_* env overrides.
//
// Grounded on the teacher's cmd/onboard_auto.go / onboard_verify.go prompt
// style (plain bufio.Scanner prompts over stdin, no TUI); this gateway's
// single-host, single-agent scope gives onboarding far fewer questions to
// ask than the teacher's multi-tenant pairing/channel wizard.
func runOnboard() error {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}

	reader := bufio.NewScanner(os.Stdin)
	prompt := func(label string) string {
		fmt.Printf("%s: ", label)
		if !reader.Scan() {
			return ""
		}
		return strings.TrimSpace(reader.Text())
	}

	fmt.Println("homegate onboarding — press enter to accept a default in [brackets]")

	if !cfg.HasAnyProvider() {
		fmt.Println("\nNo provider API key found. Pick one to configure now:")
		fmt.Println("  1) Anthropic   2) OpenAI   3) OpenRouter   4) Groq   5) Gemini   6) DeepSeek")
		choice := prompt("choice [1]")
		key := prompt("API key")
		switch choice {
		case "2":
			cfg.Providers.OpenAI.APIKey = key
		case "3":
			cfg.Providers.OpenRouter.APIKey = key
		case "4":
			cfg.Providers.Groq.APIKey = key
		case "5":
			cfg.Providers.Gemini.APIKey = key
		case "6":
			cfg.Providers.DeepSeek.APIKey = key
		default:
			cfg.Providers.Anthropic.APIKey = key
		}
	} else {
		fmt.Println("\nA provider is already configured; keeping it.")
	}

	if port := prompt(fmt.Sprintf("gateway port [%d]", cfg.Gateway.Port)); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Gateway.Port = p
		}
	}
	if tz := prompt(fmt.Sprintf("timezone [%s]", defaultIfEmpty(cfg.Timezone, "UTC"))); tz != "" {
		cfg.Timezone = tz
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("\nconfig written to %s — run `homegate start` to launch the gateway\n", path)
	return nil
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
