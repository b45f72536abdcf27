// cmd/root.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// getEnvOrDefault returns the value of an environment variable or a default
// value, the same helper the teacher's cmd/root.go uses for every flag that
// also accepts an env override.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	redisURL       string
	redisPassword  string
	modelsManifest string
)

var rootCmd = &cobra.Command{
	Use:     "reelpipe",
	Short:   "reelpipe drives the video highlight pipeline across stream, transcript and inference stages",
	Version: Version,
}

// Execute adds all child commands to the root command and runs it. Called by
// main.main once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"), "coordination store connection URL")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", getEnvOrDefault("REDIS_PASSWORD", ""), "coordination store password")
	rootCmd.PersistentFlags().StringVar(&modelsManifest, "models-manifest", getEnvOrDefault("REELPIPE_MODELS_MANIFEST", ""), "path to a YAML manifest seeding the model registry on first run")
}
