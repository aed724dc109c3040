package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/brainmove/internal/device"
	"github.com/srg/brainmove/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover cones",
	Long: `Scan for advertising cones and show which ones pass the whitelist.

Only BLE cones can be discovered. With BRAINMOVE_STRICT_WHITELIST set, a cone is
accepted only from its trusted address and with its expected name; everything
else is listed as rejected.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAllowDup bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default BRAINMOVE_SCAN_TIMEOUT)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAllowDup, "duplicates", false, "Report repeated advertisements")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	scanning, ok := a.transport.(device.ScanningDevice)
	if !ok {
		return fmt.Errorf("%w: %s cones are addressed by topic and cannot be scanned", device.ErrUnsupported, a.transport.Name())
	}
	s, err := scanner.NewScanner(scanning, a.logger)
	if err != nil {
		return err
	}

	opts := *a.registryOptions().Scan
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	opts.DuplicateFilter = !scanAllowDup

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	progress := NewProgressPrinter(os.Stdout, "Scanning for cones", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	found, err := s.Scan(ctx, &opts, progress.Callback())
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Error("scan failed")
		return err
	}

	if scanFormat == "json" {
		return writeJSON(os.Stdout, map[string]any{
			"found":    found,
			"rejected": s.Rejected(),
		})
	}
	if len(found) == 0 {
		fmt.Println("No cones found")
	}
	return printCandidates(os.Stdout, found, s.Rejected())
}
