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
	Short: "Manage jobhookctl configuration",
	Long:  `Manage jobhookctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":  serverAddr,
				"timeout": timeout.String(),
				"json":    outputJSON,
				"pretty":  prettyJSON,
				"token":   jwtToken != "",
			})
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverAddr)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(out, "  Token set: %v\n", jwtToken != "")

		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(out, "  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  jobhookctl config set server http://localhost:8080
  jobhookctl config set timeout 60s
  jobhookctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Set %s = %s\n", key, value)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
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

		viper.Set("server", defaultServer)
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

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and server connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  jobhookctl version: %s\n", Version)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(out, "  jq: available")
		} else {
			fmt.Fprintln(out, "  jq: not found in PATH")
		}
		fmt.Fprintf(out, "  Server: %s\n", baseURL())

		st, err := checkHealth()
		switch {
		case st == nil:
			fmt.Fprintf(out, "  Server connectivity: %v\n", err)
		case !st.OK:
			fmt.Fprintf(out, "  Server connectivity: unhealthy (%s)\n", st.Message)
		default:
			fmt.Fprintf(out, "  Server connectivity: OK (store: %s)\n", st.Backend)
		}
	},
}

// setConfigValue validates and stores one key in viper.
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
	return filepath.Join(home, ".jobhookctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
