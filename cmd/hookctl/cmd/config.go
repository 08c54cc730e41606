package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validConfigKeys = map[string]bool{
	"server":  true,
	"timeout": true,
	"json":    true,
	"pretty":  true,
	"token":   true,
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hookctl configuration",
	Long:  `Manage hookctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings. The token is never printed.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":  viper.GetString("server"),
				"timeout": viper.GetDuration("timeout").String(),
				"json":    viper.GetBool("json"),
				"pretty":  viper.GetBool("pretty"),
				"token":   viper.GetString("token") != "",
			})
			return
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		fmt.Fprintf(out, "  Token set: %v\n", viper.GetString("token") != "")

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(out, "  ⚠️  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// setConfigValue validates key and stores the typed value in viper.
func setConfigValue(key, value string) error {
	if !validConfigKeys[key] {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: server, timeout, json, pretty, token", key)
	}

	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, d.String())
	default:
		viper.Set(key, value)
	}
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hookctl.yaml"), nil
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  hookctl config set server http://localhost:8080
  hookctl config set timeout 60s
  hookctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}
		if key == "pretty" && viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintln(cmd.ErrOrStderr(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		if key == "token" {
			value = "(hidden)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
