package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/app"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/logging"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/scanner"
)

const pollInterval = 250 * time.Millisecond

type scanOptions struct {
	subnet    string
	protocols []string
	timeout   int
	out       string
	format    string
	verbose   bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a subnet for devices",
		Long: `Runs one discovery scan in-process and prints the merged device list.

Results are kept in memory only; use --out to keep a CSV export.`,
		Example: `  # Default protocols (ONVIF, SNMP, PRIVATE, SSDP)
  devscan scan --subnet 192.168.1.0/24

  # Multicast only, one minute budget, CSV export
  devscan scan --subnet 192.168.1.0/24 --protocols SSDP,ONVIF --timeout 60 --out result.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("protocols") {
				opts.protocols = nil
			} else if opts.protocols == nil {
				opts.protocols = []string{}
			}
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.subnet, "subnet", "", "subnet to scan in CIDR notation (required)")
	cmd.Flags().StringSliceVar(&opts.protocols, "protocols", nil, "protocols to run (default ONVIF,SNMP,PRIVATE,SSDP)")
	cmd.Flags().IntVar(&opts.timeout, "timeout", 0, "scan budget in seconds (0 uses the configured default)")
	cmd.Flags().StringVar(&opts.out, "out", "", "write the CSV export to this file")
	cmd.Flags().StringVar(&opts.format, "format", "table", "output format (table, json)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("subnet")

	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("unknown format %q", opts.format)
	}

	cfg, err := config.LoadFlags(cmd.Flags())
	if err != nil {
		return err
	}
	// One-shot runs keep everything in process.
	cfg.Cache.Backend = "memory"
	cfg.Registry.Enabled = false
	cfg.RabbitMQ.Enabled = false

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "console", Output: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger.Sugar())
	if err != nil {
		return fmt.Errorf("initialize discovery engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Close(closeCtx)
	}()

	snap, err := scanOnce(ctx, engine.Scanner, scanner.Request{
		Subnet:    opts.subnet,
		Timeout:   time.Duration(opts.timeout) * time.Second,
		Protocols: opts.protocols,
	}, pollInterval)
	if err != nil {
		return err
	}

	if err := printSnapshot(cmd.OutOrStdout(), snap, opts.format); err != nil {
		return err
	}
	if opts.out != "" {
		if err := writeCSV(opts.out, snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d device(s) to %s\n", len(snap.Devices), opts.out)
	}
	return nil
}

// scanOnce starts a scan and polls until it finishes. Cancelling ctx stops
// the scan and still returns its partial result.
func scanOnce(ctx context.Context, s *scanner.Scanner, req scanner.Request, poll time.Duration) (scanner.Snapshot, error) {
	task, err := s.StartScan(req)
	if err != nil {
		return scanner.Snapshot{}, err
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			if err := s.Cancel(context.Background(), task.ID); err != nil {
				return scanner.Snapshot{}, err
			}
		case <-ticker.C:
		}

		snap, err := s.GetProgress(context.Background(), task.ID)
		if err != nil {
			return scanner.Snapshot{}, err
		}
		if snap.Finished() {
			return snap, nil
		}
	}
}

func printSnapshot(w io.Writer, snap scanner.Snapshot, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "Scan %s %s: %d device(s)\n", snap.ScanID, snap.Status, len(snap.Devices))
	if len(snap.FailedProtocols) > 0 {
		fmt.Fprintf(w, "Failed protocols: %v\n", snap.FailedProtocols)
	}
	if len(snap.Devices) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tPORT\tPROTOCOL\tBRAND\tMODEL\tTYPE\tVERIFIED")
	for _, d := range snap.Devices {
		port := "-"
		if d.Port > 0 {
			port = fmt.Sprint(d.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			d.IP, port, d.Protocol, d.Brand, d.Model, d.Classification.DisplayName(), d.Verified)
	}
	return tw.Flush()
}

func writeCSV(path string, snap scanner.Snapshot) error {
	data, err := scanner.RenderCSV(snap.Devices)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
