package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd connects the cones and lists their state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect cones and show their state",
	Long: `Discover and connect the configured cones, wait for their first reports and
list name, colour, address, battery, health and polling state.

With --sleep every cone is put to sleep after the listing.`,
	RunE: runStatus,
}

var (
	statusTimeout time.Duration
	statusSettle  time.Duration
	statusFormat  string
	statusSleep   bool
)

func init() {
	statusCmd.Flags().DurationVarP(&statusTimeout, "timeout", "t", 30*time.Second, "How long to look for missing cones")
	statusCmd.Flags().DurationVar(&statusSettle, "settle", 2*time.Second, "Wait for battery reports after connecting")
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "Output format (table, json)")
	statusCmd.Flags().BoolVar(&statusSleep, "sleep", false, "Put every cone to sleep afterwards")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if statusFormat != "table" && statusFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", statusFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	sctx, scancel := context.WithTimeout(ctx, statusTimeout)
	err = a.registry.ScanUntilComplete(sctx)
	scancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		a.logger.WithError(err).Warn("Not every cone was found")
	}
	if len(a.registry.Ready()) == 0 {
		return ErrNoCones
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(statusSettle):
	}

	status := a.registry.Status()
	if statusFormat == "json" {
		err = writeJSON(os.Stdout, status)
	} else {
		err = printStatus(os.Stdout, status)
	}
	if err != nil {
		return err
	}

	if statusSleep {
		if err := a.registry.SleepAll(ctx); err != nil {
			return fmt.Errorf("failed to put cones to sleep: %w", err)
		}
		fmt.Println("Cones are sleeping")
	}
	return nil
}
