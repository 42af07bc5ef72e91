package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
				os.Exit(1)
			}
			data, _ := json.MarshalIndent(redactConfig(cfg), "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err != nil {
				fmt.Printf("No config at %s; defaults apply.\n", cfgPath)
			}
			if _, err := config.Load(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
		},
	}
}

var secretKeys = map[string]bool{
	"token":    true,
	"auth_key": true,
	"db_dsn":   true,
	"headers":  true,
}

// redactConfig returns a JSON-safe copy with secrets masked.
func redactConfig(cfg *config.Config) map[string]interface{} {
	data, _ := json.Marshal(cfg)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

func redactMap(m map[string]interface{}) {
	for k, v := range m {
		if secretKeys[k] {
			m[k] = redactValue(v)
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			redactMap(sub)
		}
	}
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if len(val) > 8 {
			return val[:4] + "****" + val[len(val)-4:]
		}
		if val != "" {
			return "****"
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = "****"
		}
		return val
	default:
		return v
	}
}
