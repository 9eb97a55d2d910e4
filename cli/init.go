package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge-ai/flowforge/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a random JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if output == "" {
				output = "flowforge.json"
			}
			return writeStarterConfig(cmd, output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./flowforge.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(cmd *cobra.Command, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate JWT secret: %w", err)
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			JWTSecret: secret,
			JWTExpiry: config.Duration{Duration: 24 * time.Hour},
			InitialAdmin: &config.InitialAdmin{
				Username: "admin",
				Password: "change-me-now",
			},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "flowforge.db",
		},
		Generation: config.GenerationConfig{
			OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
			Model:        "gpt-4o-mini",
		},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	cmd.Printf("wrote %s\n", path)
	cmd.Println("edit the initial_admin password and set openai_api_key before running in production")
	return nil
}
