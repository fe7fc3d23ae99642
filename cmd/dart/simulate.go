package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/dart/internal/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Emulate sensor hardware",
}

var simulateThermalCmd = &cobra.Command{
	Use:   "thermal",
	Short: "Emulate a serial thermal grid on a pseudo-terminal",
	Long: `Opens a pseudo-terminal and writes thermal grid frames to it until interrupted.
Point a serial GridEYE entry of the configuration at the printed path to record
from it without hardware.`,
	Args: cobra.NoArgs,
	RunE: runSimulateThermal,
}

var simulateInterval time.Duration

func init() {
	simulateThermalCmd.Flags().DurationVarP(&simulateInterval, "interval", "i", simulator.DefaultInterval, "Time between frames")
	simulateCmd.AddCommand(simulateThermalCmd)
}

func runSimulateThermal(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}
	if simulateInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", simulateInterval)
	}
	cmd.SilenceUsage = true

	sim, err := simulator.NewThermalPTY(simulator.Options{Interval: simulateInterval, Logger: logger})
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Thermal grid on %s (Ctrl+C to stop)\n", sim.Path())
	sim.Start(ctx)
	<-ctx.Done()
	fmt.Fprintf(cmd.OutOrStdout(), "%d frames written\n", sim.Frames())
	return nil
}
