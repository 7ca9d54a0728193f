// Devscan runs a single device discovery scan from the command line.
//
// Usage:
//
//	devscan scan --subnet 192.168.1.0/24 [--protocols SSDP,ONVIF] [--timeout 60] [--out result.csv]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devscan",
		Short: "Access-control device discovery",
		Long: `Discovers access controllers, readers and cameras on a local subnet
using SSDP, ONVIF WS-Discovery, SNMP, vendor TCP ports and mDNS.`,
		SilenceUsage: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newScanCmd())
	return cmd
}
