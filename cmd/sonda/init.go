package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a sonda project directory",
		Long:  "Initialize a sonda project by creating the .sonda directory and installing a default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}

			sondaDir := filepath.Join(root, ".sonda")
			log.Info().Str("dir", sondaDir).Msg("creating sonda directory")
			for _, sub := range []string{"runs", "locks", "downloads"} {
				if err := os.MkdirAll(filepath.Join(sondaDir, sub), 0o755); err != nil {
					return fmt.Errorf("create %s dir: %w", sub, err)
				}
			}

			configPath := filepath.Join(sondaDir, "config.json")
			if _, err := os.Stat(configPath); err == nil {
				log.Info().Msg("config.json already exists, skipping")
			} else {
				log.Info().Str("path", configPath).Msg("installing default config")
				defaultConfig := map[string]any{
					"oracle": map[string]any{
						"model":       "gpt-4o-mini",
						"api_key_env": "OPENAI_API_KEY",
						"timeout_sec": 120,
						"max_tries":   3,
						"max_tokens":  4096,
					},
					"browser": map[string]any{
						"headless":        true,
						"nav_timeout_sec": 30,
						"op_timeout_sec":  10,
					},
					"budgets": map[string]any{
						"max_patch_rounds":  2,
						"max_steps":         25,
						"max_wall_time_sec": 600,
						"step_timeout_sec":  15,
					},
					"retention": map[string]any{
						"keep_last": 20,
						"keep_days": 30,
					},
				}
				data, err := json.MarshalIndent(defaultConfig, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal default config: %w", err)
				}
				if err := os.WriteFile(configPath, data, 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
			}

			fmt.Println("sonda initialized successfully")
			return nil
		},
	}
}
