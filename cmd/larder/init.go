package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var (
		originURL string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration",
		Long: `Write an example larder.yaml with a freshly generated store secret.

Examples:
  # Generate a config for your origin
  larder init --origin https://app.example.com

  # Generate into /etc/larder
  sudo larder init --origin https://app.example.com --output /etc/larder`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			configPath := filepath.Join(outputDir, "larder.yaml")
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists; remove it first", configPath)
			}

			if err := writeExampleConfig(configPath, originURL, generateSecret()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Config generated: %s\n", configPath)

			fmt.Println("\nNext steps:")
			fmt.Printf("  1. Edit %s with your settings\n", configPath)
			fmt.Printf("  2. larder serve --config %s\n", configPath)
			fmt.Println("  3. larder status")

			return nil
		},
	}
	cmd.Flags().StringVar(&originURL, "origin", "https://app.example.com", "origin base URL")
	cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Output directory for the config file")

	return cmd
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func writeExampleConfig(path, originURL, secret string) error {
	config := fmt.Sprintf(`# Larder config - offline-first encrypted content cache
origin:
  url: "%s"
  # cache_buster: "build-1"

store:
  path: "/var/lib/larder/store.json"
  # Encrypts every value at rest. Keep this out of version control,
  # or delete it and set LARDER_STORE_SECRET instead.
  secret: "%s"

cache:
  # "time" trusts TTLs; "hash" revalidates against the origin manifest.
  validation: "time"
  default_ttl: 10m
  asset_ttl: 24h
  retention: 168h

control:
  socket: "/var/run/larder.sock"

admin:
  listen: "127.0.0.1:9741"
`, originURL, secret)

	return os.WriteFile(path, []byte(config), 0600)
}
