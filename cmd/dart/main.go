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

var rootCmd = &cobra.Command{
	Use:   "dart",
	Short: "Multi-sensor acquisition tool",
	Long: `Acquires data from the lab's sensor devices and records it:

- Wood planks (capacitive, strain and piezo channels over BLE GATT)
- Thermal grids (8x8 temperature frames over BLE GATT or a serial port)
- Environmental sensors (particulate, climate and gas readings from BLE advertisements)

Each configured device runs its own session that discovers it, connects, picks
notifications or polling per channel and reconnects when the link drops.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Shortcut for --log-level debug")
	rootCmd.PersistentFlags().StringP("config", "c", "dart.yaml", "Configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
