package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goloop/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and validate configuration",
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
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, err := json.MarshalIndent(redactConfig(cfg), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := config.Load(cfgPath); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config at %s is valid.\n", cfgPath)
			return nil
		},
	}
}

// redactConfig returns a JSON-safe copy with secrets masked.
func redactConfig(cfg *config.Config) map[string]any {
	data, _ := json.Marshal(cfg)
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

var secretKeys = map[string]bool{
	"postgres_dsn":   true,
	"redis_password": true,
	"token":          true,
	"headers":        true,
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if secretKeys[k] {
			switch s := v.(type) {
			case string:
				if len(s) > 8 {
					m[k] = s[:4] + "****" + s[len(s)-4:]
				} else if s != "" {
					m[k] = "****"
				}
			case map[string]any:
				for hk := range s {
					s[hk] = "****"
				}
			}
		} else if sub, ok := v.(map[string]any); ok {
			redactMap(sub)
		}
	}
}
