package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/pingbridge/internal/config"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create or refresh the configuration file",
	RunE:  runOnboard,
}

func runOnboard(_ *cobra.Command, _ []string) error {
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s\n", cfgPath)
		fmt.Printf("Press Enter to refresh (keep existing values) or Ctrl+C to cancel: ")
		fmt.Scanln()
		existing, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			def := config.DefaultConfig()
			existing = &def
		}
		if err := config.Save(existing, cfgPath); err != nil {
			return err
		}
		fmt.Printf("✓ Config refreshed at %s\n", cfgPath)
	} else {
		cfg := config.DefaultConfig()
		// A disabled sample project shows every available setting.
		cfg.Projects["default"] = bridge.DefaultProjectConfig()
		if err := config.Save(&cfg, cfgPath); err != nil {
			return err
		}
		fmt.Printf("✓ Created config at %s\n", cfgPath)
	}

	fmt.Printf("\n%s pingbridge is ready!\n\n", logo)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Enable a bridge under projects.default in %s\n", cfgPath)
	fmt.Println("     Telegram needs a bot token and a forum supergroup chat id;")
	fmt.Println("     Discord and Slack take a bot token and channel id, or a webhook URL.")
	fmt.Println("  2. Check it: pingbridge status")
	fmt.Println("  3. Run it:   pingbridge serve")
	return nil
}
