// kernelctl is a small CLI client for the orchestration kernel: submit a
// job descriptor (YAML or JSON) and poll a run's status.
package main

import (
	"github.com/spf13/cobra"
	"os"
)

var (
	kernelURL string
	apiKey    string
)

var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Submit and inspect orchestration kernel runs",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&kernelURL, "url", envOr("KERNEL_URL", "http://localhost:8080"), "kernel-service base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KERNEL_API_KEY"), "bearer token for authenticated endpoints")

	registerSubmitCommand(rootCmd)
	registerStatusCommand(rootCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
