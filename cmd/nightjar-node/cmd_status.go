package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/nightjar/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mesh connection status",
	Long:  `Query the running "nightjar-node join" process and display its workspace, relay, and connected peers.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is nightjar-node running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Node:      %s\n", status.Node)
	fmt.Fprintf(os.Stdout, "Workspace: %s\n", status.WorkspaceID)
	fmt.Fprintf(os.Stdout, "Relay:     %s\n", status.RelayURL)
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Peers:     %d\n", len(status.Peers))
	fmt.Println()

	if len(status.Peers) == 0 {
		fmt.Println("No peers connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tNAME\tTRANSPORT\tCONNECTED")
	for _, p := range status.Peers {
		connected := "-"
		if !p.ConnectedSince.IsZero() {
			connected = formatDuration(time.Since(p.ConnectedSince)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.DisplayName, p.Transport, connected)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
