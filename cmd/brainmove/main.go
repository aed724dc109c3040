package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "brainmove",
	Short: "Host gateway for BrainMove training cones",
	Long: `BrainMove drives a set of coloured training cones over BLE or MQTT:

- Discover cones and enforce the trusted address whitelist
- Connect, authenticate and keep cones alive
- Run reaction, memory, number, falling-colour and colour-battle games
- Push live game progress to websocket clients and store results

Configuration comes from BRAINMOVE_* environment variables, optionally read
from a .env file.`,
	Version: fmt.Sprintf("%s (%s, %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(playCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file to load before reading BRAINMOVE_* variables")
	rootCmd.PersistentFlags().String("transport", "", "Cone transport (ble, mqtt); overrides BRAINMOVE_TRANSPORT")
	rootCmd.PersistentFlags().StringSlice("colors", nil, "Cone colours; overrides BRAINMOVE_COLORS")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
